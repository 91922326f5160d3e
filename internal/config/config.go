package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	AppURL      string `envconfig:"APP_URL" default:"http://localhost:8080"`

	// HTTP surface
	APIKey           string `envconfig:"API_KEY"` // protects /api/telegram/setup
	CORSOrigins      string `envconfig:"CORS_ORIGINS"`
	RateLimitRPS     int    `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst   int    `envconfig:"RATE_LIMIT_BURST" default:"40"`
	WebhookBodyLimit int    `envconfig:"WEBHOOK_BODY_LIMIT" default:"65536"`

	// LLM
	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel   string `envconfig:"ANTHROPIC_MODEL" default:"claude-sonnet-4-20250514"`
	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com"`
	LLMMaxTokens     int    `envconfig:"LLM_MAX_TOKENS" default:"8000"`

	// Speech-to-text (OpenAI-compatible transcription endpoint)
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com"`

	// Telegram
	TelegramBotToken      string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramWebhookSecret string `envconfig:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramAPIURL        string `envconfig:"TELEGRAM_API_URL" default:"https://api.telegram.org"`
	TelegramSendRPS       int    `envconfig:"TELEGRAM_SEND_RPS" default:"25"`

	// GitHub: personal token, or GitHub App credentials
	GitHubToken          string `envconfig:"GITHUB_TOKEN"`
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubOwner          string `envconfig:"GITHUB_OWNER"` // required in App mode
	GitHubAPIURL         string `envconfig:"GITHUB_API_URL"`

	// Vercel
	VercelToken  string `envconfig:"VERCEL_TOKEN"`
	VercelTeamID string `envconfig:"VERCEL_TEAM_ID"`
	VercelAPIURL string `envconfig:"VERCEL_API_URL" default:"https://api.vercel.com"`
	VercelDomain string `envconfig:"VERCEL_DOMAIN" default:"vercel.app"`

	// Deployment pipeline
	RepoPollInterval   time.Duration `envconfig:"REPO_POLL_INTERVAL" default:"2s"`
	RepoPollAttempts   int           `envconfig:"REPO_POLL_ATTEMPTS" default:"8"`
	DeployPollInterval time.Duration `envconfig:"DEPLOY_POLL_INTERVAL" default:"3s"`
	DeployTimeout      time.Duration `envconfig:"DEPLOY_TIMEOUT" default:"2m"`
	FileWriteDelay     time.Duration `envconfig:"FILE_WRITE_DELAY" default:"500ms"`

	// Storage: "memory", "sqlite" or "postgres"
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"chat2site.db"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`

	// Entitlements
	FreeSites         int    `envconfig:"FREE_SITES" default:"1"`
	FreeUpdates       int    `envconfig:"FREE_UPDATES" default:"20"`
	AdminIDs          string `envconfig:"ADMIN_CHAT_IDS" default:"8220228754"`
	HistoryLimit      int    `envconfig:"HISTORY_LIMIT" default:"20"`
	ExtraSiteStars    int    `envconfig:"EXTRA_SITE_STARS" default:"50"`
	ExtraUpdatesStars int    `envconfig:"EXTRA_UPDATES_STARS" default:"25"`
	ExtraUpdatesCount int    `envconfig:"EXTRA_UPDATES_COUNT" default:"20"`
	SiteCreditCost    int    `envconfig:"SITE_CREDIT_COST" default:"10"`
	UpdateCreditCost  int    `envconfig:"UPDATE_CREDIT_COST" default:"1"`

	// Payments
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	DodoAPIKey          string `envconfig:"DODO_API_KEY"`
	DodoWebhookSecret   string `envconfig:"DODO_WEBHOOK_SECRET"`
	DodoAPIURL          string `envconfig:"DODO_API_URL" default:"https://api.dodopayments.com"`
	DodoProductID       string `envconfig:"DODO_PRODUCT_ID"`

	// Slack operator alerts (optional)
	SlackBotToken     string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `envconfig:"SLACK_ALERT_CHANNEL"`
}

// TelegramEnabled returns true if a bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// VoiceEnabled returns true if the speech-to-text key is configured.
func (c *Config) VoiceEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// GitHubAppEnabled returns true if GitHub App credentials are configured.
// App mode takes precedence over a personal token.
func (c *Config) GitHubAppEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubInstallationID > 0 && c.GitHubPrivateKeyPath != ""
}

// GitHubEnabled returns true if any GitHub credentials are configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppEnabled() || c.GitHubToken != ""
}

// StripeEnabled returns true if Stripe keys are configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// DodoEnabled returns true if Dodo keys are configured.
func (c *Config) DodoEnabled() bool {
	return c.DodoAPIKey != ""
}

// SlackEnabled returns true if operator alerts can be posted.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAlertChannel != ""
}

// AdminIDList parses ADMIN_CHAT_IDS into user keys. Blank entries are skipped.
func (c *Config) AdminIDList() ([]string, error) {
	if strings.TrimSpace(c.AdminIDs) == "" {
		return nil, nil
	}
	parts := strings.Split(c.AdminIDs, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := strconv.ParseInt(part, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid admin chat ID %q: %w", part, err)
		}
		ids = append(ids, part)
	}
	return ids, nil
}

// CORSOriginList returns the allowed origins, or nil for the default.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.GitHubAppEnabled() && c.GitHubOwner == "" {
		return fmt.Errorf("GITHUB_OWNER is required with GitHub App credentials")
	}
	if c.FreeSites < 0 || c.FreeUpdates < 0 {
		return fmt.Errorf("free limits must not be negative")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if _, err := c.AdminIDList(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
