package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat2site/internal/chat"
	"github.com/p-blackswan/chat2site/internal/flow"
	"github.com/p-blackswan/chat2site/internal/llm"
	"github.com/p-blackswan/chat2site/internal/payments"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/requestid"
	"github.com/p-blackswan/chat2site/internal/telegram"
)

// telegramSecretHeader carries the secret registered with setWebhook.
const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

func (s *Server) telegramWebhook(c *fiber.Ctx) error {
	ok := fiber.Map{"ok": true}
	log := requestid.Logger(c.UserContext(), s.logger)

	if s.config.WebhookSecret != "" &&
		subtle.ConstantTimeCompare([]byte(c.Get(telegramSecretHeader)), []byte(s.config.WebhookSecret)) != 1 {
		log.Warn().Str("ip", c.IP()).Msg("telegram webhook with bad secret ignored")
		return c.JSON(ok)
	}
	if len(c.Body()) > s.config.WebhookBodyLimit {
		log.Warn().Int("bytes", len(c.Body())).Msg("telegram update too large, ignored")
		return c.JSON(ok)
	}

	var upd telegram.Update
	if err := json.Unmarshal(c.Body(), &upd); err != nil {
		log.Warn().Err(err).Msg("undecodable telegram update ignored")
		return c.JSON(ok)
	}

	s.handleUpdate(c.UserContext(), &upd, log)
	return c.JSON(ok)
}

// handleUpdate contains a panic in the update handler so Telegram still gets
// its acknowledgement and does not redeliver the same update forever.
func (s *Server) handleUpdate(ctx context.Context, upd *telegram.Update, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("update_id", upd.UpdateID).Msg("telegram update handler panicked")
		}
	}()
	s.deps.Updates.HandleUpdate(ctx, upd)
}

func (s *Server) telegramSetup(c *fiber.Ctx) error {
	url := strings.TrimRight(s.config.AppURL, "/") + "/api/telegram/webhook"
	if err := s.deps.Webhooks.SetWebhook(c.UserContext(), url, s.config.WebhookSecret); err != nil {
		return err
	}
	s.logger.Info().Str("url", url).Msg("telegram webhook registered")
	return c.JSON(fiber.Map{"ok": true, "webhookUrl": url})
}

// chatStream serves the stateless preview chat as server-sent events.
func (s *Server) chatStream(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	st := project.NewState()
	st.CurrentHTML = req.CurrentHTML
	var history []llm.Message
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_role", "Bad Request",
				"Unknown message role: "+m.Role)
		}
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		st.Messages = append(st.Messages, project.Message{Role: m.Role, Content: m.Content})
	}
	if len(history) == 0 || history[len(history)-1].Role != llm.RoleUser {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_messages", "Bad Request",
			"Messages must end with a user message")
	}

	state := flow.Detect(req.CurrentHTML != "", st.UserMessageCount(), flow.LastAssistantAskedQuestion(st.Messages))
	system, err := s.deps.Prompts.BuildSystemPrompt(state, st)
	if err != nil {
		return err
	}

	// The fiber context is recycled once the handler returns, so the
	// stream gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.StreamTimeout)
	log := requestid.Logger(c.UserContext(), s.logger)
	tokens := make(chan llm.Token, 16)
	if err := s.deps.LLM.Stream(ctx, llm.CompletionRequest{
		Messages:     history,
		SystemPrompt: system,
	}, tokens); err != nil {
		cancel()
		s.deps.Metrics.RecordError("llm", "stream")
		return err
	}
	s.deps.Metrics.RecordTurn(chat.ChannelWeb, string(state))

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cancel()
			for range tokens {
			}
		}()
		for tok := range tokens {
			switch {
			case tok.Error != nil:
				log.Error().Err(tok.Error).Msg("chat stream failed")
				writeEvent(w, fiber.Map{"error": "Failed to generate response"})
				w.Flush()
				return
			case tok.Done:
				w.WriteString("data: [DONE]\n\n")
				w.Flush()
				return
			case tok.Text != "":
				writeEvent(w, fiber.Map{"content": tok.Text})
				if err := w.Flush(); err != nil {
					log.Debug().Err(err).Msg("chat client went away")
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, v any) {
	b, _ := json.Marshal(v)
	w.WriteString("data: ")
	w.Write(b)
	w.WriteString("\n\n")
}

func (s *Server) webMessage(c *fiber.Ctx) error {
	var req WebMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_fields", "Bad Request",
			"sessionId and message are required")
	}

	out, err := s.deps.Web.Turn(c.UserContext(), chat.Request{
		Key:     payments.WebUserPrefix + req.SessionID,
		Channel: chat.ChannelWeb,
		Text:    req.Message,
	})
	if err != nil {
		return err
	}
	return c.JSON(WebMessageResponse{
		Reply:     out.Reply,
		Flow:      out.Flow,
		DeployURL: out.DeployURL,
		RepoURL:   out.RepoURL,
		Deployed:  out.Deployed,
		Blocked:   out.Blocked,
	})
}

func (s *Server) webStatus(c *fiber.Ctx) error {
	st, err := s.deps.Web.Status(c.UserContext(), payments.WebUserPrefix+c.Params("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(WebStatusResponse{
		DeployURL:        st.Project.DeployURL,
		Pages:            len(st.Project.Pages),
		Credits:          st.Usage.Credits,
		SitesCreated:     st.Usage.SitesCreated,
		RemainingSites:   st.RemainingSites,
		RemainingUpdates: st.RemainingUpdates,
	})
}

func (s *Server) deployHTML(c *fiber.Ctx) error {
	var req DeployRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.HTML) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_html", "Bad Request",
			"HTML content is required")
	}

	res, err := s.deps.Sites.DeployHTML(c.UserContext(), req.HTML, req.ProjectName, req.ExistingRepo)
	if err != nil {
		return err
	}
	return c.JSON(DeployResponse{
		RepoURL:   res.RepoURL,
		DeployURL: res.PublicURL,
		RepoName:  res.RepoName,
	})
}

func (s *Server) checkout(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	url, err := s.deps.Payments.Checkout(c.UserContext(), req.SessionID, req.PackageID, payments.Provider(req.Provider))
	if err != nil {
		return err
	}
	return c.JSON(CheckoutResponse{CheckoutURL: url})
}

func (s *Server) paymentWebhook(provider payments.Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > s.config.WebhookBodyLimit {
			return problemResponse(c, fiber.StatusRequestEntityTooLarge,
				"payload_too_large", "Payload Too Large",
				"Webhook payload exceeds the size limit")
		}

		ev, err := s.deps.Payments.HandleWebhook(c.UserContext(), provider, c.Body(), func(name string) string {
			return c.Get(name)
		})
		if err != nil {
			return err
		}
		log := requestid.Logger(c.UserContext(), s.logger)
		log.Info().
			Str("provider", string(provider)).
			Str("payment_id", ev.ProviderID).
			Bool("paid", ev.Paid).
			Msg("payment webhook processed")
		return c.JSON(fiber.Map{"received": true})
	}
}
