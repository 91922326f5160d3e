// Package server is the public HTTP surface: Telegram webhook, web chat,
// legacy deploy, checkout and payment webhooks.
package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat2site/internal/chat"
	"github.com/p-blackswan/chat2site/internal/deploy"
	"github.com/p-blackswan/chat2site/internal/flow"
	"github.com/p-blackswan/chat2site/internal/health"
	"github.com/p-blackswan/chat2site/internal/llm"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/payments"
	"github.com/p-blackswan/chat2site/internal/requestid"
	"github.com/p-blackswan/chat2site/internal/telegram"
)

const (
	defaultBodyLimit        = 4 << 20
	defaultWebhookBodyLimit = 1 << 20
	defaultStreamTimeout    = 2 * time.Minute
)

// Config holds HTTP server settings.
type Config struct {
	ListenAddr       string
	APIKey           string
	CORSOrigins      string
	RateLimit        RateLimitConfig
	BodyLimit        int
	WebhookBodyLimit int
	AppURL           string
	WebhookSecret    string
	StreamTimeout    time.Duration
}

// UpdateHandler processes one Telegram update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd *telegram.Update)
}

// WebhookRegistrar points Telegram at our webhook.
type WebhookRegistrar interface {
	SetWebhook(ctx context.Context, url, secret string) error
}

// Conversation runs stateful web turns.
type Conversation interface {
	Turn(ctx context.Context, req chat.Request) (*chat.Outcome, error)
	Status(ctx context.Context, key string) (*chat.Status, error)
}

// SiteDeployer publishes a single HTML document.
type SiteDeployer interface {
	DeployHTML(ctx context.Context, html, projectName, existingRepo string) (*deploy.Result, error)
}

// PaymentService opens checkouts and applies provider webhooks.
type PaymentService interface {
	Checkout(ctx context.Context, sessionID, packageID string, provider payments.Provider) (string, error)
	HandleWebhook(ctx context.Context, provider payments.Provider, payload []byte, header func(string) string) (*payments.Event, error)
}

// Deps are the collaborators behind the routes. A nil dependency leaves
// its routes unregistered.
type Deps struct {
	Updates  UpdateHandler
	Webhooks WebhookRegistrar
	Web      Conversation
	LLM      llm.Provider
	Prompts  *flow.Catalog
	Sites    SiteDeployer
	Payments PaymentService
	Checker  *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the public Fiber application.
type Server struct {
	app    *fiber.App
	deps   Deps
	config Config
	logger zerolog.Logger
}

// New creates and configures the server.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	if cfg.WebhookBodyLimit <= 0 {
		cfg.WebhookBodyLimit = defaultWebhookBodyLimit
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	logger = logger.With().Str("component", "http_server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             cfg.BodyLimit,
		ReadBufferSize:        8192,
	})

	s := &Server{
		app:    app,
		deps:   deps,
		config: cfg,
		logger: logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.New(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		return c.Next()
	})

	if s.config.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.config.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	if s.config.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(s.config.RateLimit))
	}

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		log := requestid.Logger(c.UserContext(), s.logger)
		log.Debug().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", health.LivenessHandler)
	if s.deps.Checker != nil {
		s.app.Get("/readyz", s.deps.Checker.ReadinessHandler)
	}
	if s.deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	}

	api := s.app.Group("/api")

	if s.deps.Updates != nil {
		api.Post("/telegram/webhook", s.telegramWebhook)
	}
	if s.deps.Webhooks != nil {
		api.Post("/telegram/setup", requireAPIKey(s.config.APIKey, s.logger), s.telegramSetup)
	}
	if s.deps.LLM != nil && s.deps.Prompts != nil {
		api.Post("/chat", s.chatStream)
	}
	if s.deps.Web != nil {
		api.Post("/web/message", s.webMessage)
		api.Get("/web/status/:sessionId", s.webStatus)
	}
	if s.deps.Sites != nil {
		api.Post("/deploy", requireAPIKey(s.config.APIKey, s.logger), s.deployHTML)
	}
	if s.deps.Payments != nil {
		api.Post("/checkout", s.checkout)
		api.Post("/webhook/stripe", s.paymentWebhook(payments.ProviderStripe))
		api.Post("/webhook/dodo", s.paymentWebhook(payments.ProviderDodo))
	}
}

// Start listens until Shutdown.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if e, ok := err.(*fiber.Error); ok {
			return problemResponse(c, e.Code, "http_error", e.Message, "")
		}

		p := problemFor(err)
		log := requestid.Logger(c.UserContext(), logger)
		log.Error().
			Err(err).
			Int("status", p.Status).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("request failed")
		return problemResponse(c, p.Status, p.Type, p.Title, p.Detail)
	}
}
