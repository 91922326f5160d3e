// Package bot is the Telegram webhook entry point. It turns updates into
// conversation turns, commands, image uploads and Stars purchases.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat2site/internal/chat"
	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/notify"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/speech"
	"github.com/p-blackswan/chat2site/internal/telegram"
)

// Invoice payloads.
const (
	PayloadExtraSite    = "extra_site"
	PayloadExtraUpdates = "extra_updates"
)

const (
	providerStars = "telegram_stars"
	seenCapacity  = 1024
)

// Messenger is the subset of the Bot API the handler calls.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendInvoice(ctx context.Context, chatID int64, inv telegram.Invoice) error
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
	Download(ctx context.Context, fileID string) ([]byte, string, error)
}

// Conversation is the engine surface used by the bot. *chat.Engine
// implements it.
type Conversation interface {
	Turn(ctx context.Context, req chat.Request) (*chat.Outcome, error)
	AddImage(ctx context.Context, key, name string, data []byte) (string, error)
	Reset(ctx context.Context, key string) error
	Status(ctx context.Context, key string) (*chat.Status, error)
	Pages(ctx context.Context, key string) ([]project.PageContent, error)
	Blog(ctx context.Context, key string) ([]project.BlogPost, bool, error)
}

// Ledger credits Stars purchases.
type Ledger interface {
	AddExtraSite(ctx context.Context, userID, txID string) error
	AddExtraUpdates(ctx context.Context, userID, txID string, count int) error
}

// Config holds Stars prices.
type Config struct {
	ExtraSiteStars    int64
	ExtraUpdatesStars int64
	ExtraUpdatesCount int
}

// Handler processes webhook updates.
type Handler struct {
	tg          Messenger
	engine      Conversation
	ledger      Ledger
	transcriber speech.Transcriber
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	seen        *seenSet
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a handler. transcriber may be nil when voice is disabled.
func New(tg Messenger, engine Conversation, ledger Ledger, transcriber speech.Transcriber, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.ExtraUpdatesCount <= 0 {
		cfg.ExtraUpdatesCount = 20
	}
	return &Handler{
		tg:          tg,
		engine:      engine,
		ledger:      ledger,
		transcriber: transcriber,
		notifier:    notify.Nop{},
		seen:        newSeenSet(seenCapacity),
		cfg:         cfg,
		logger:      logger.With().Str("component", "bot").Logger(),
		now:         time.Now,
	}
}

// SetMetrics sets the metrics collector.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// SetNotifier sets the operator notifier.
func (h *Handler) SetNotifier(n notify.Notifier) {
	if n != nil {
		h.notifier = n
	}
}

// HandleUpdate processes one update. Failures are logged and, where a chat
// is known, answered with an apology; they are never returned, so the
// webhook can always acknowledge.
func (h *Handler) HandleUpdate(ctx context.Context, upd *telegram.Update) {
	if upd == nil {
		return
	}
	if upd.UpdateID != 0 && !h.seen.Add(upd.UpdateID) {
		h.logger.Debug().Int64("update_id", upd.UpdateID).Msg("duplicate update dropped")
		return
	}

	switch {
	case upd.PreCheckoutQuery != nil:
		h.handlePreCheckout(ctx, upd.PreCheckoutQuery)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	}
}

func (h *Handler) handlePreCheckout(ctx context.Context, q *telegram.PreCheckoutQuery) {
	if err := h.tg.AnswerPreCheckoutQuery(ctx, q.ID, true, ""); err != nil {
		h.logger.Error().Err(err).Str("query_id", q.ID).Msg("answering pre-checkout query")
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	key := strconv.FormatInt(chatID, 10)
	log := h.logger.With().Int64("chat_id", chatID).Logger()
	ctx = log.WithContext(ctx)

	switch {
	case msg.SuccessfulPayment != nil:
		h.handlePayment(ctx, chatID, key, msg.SuccessfulPayment)
		return
	case len(msg.Photo) > 0:
		if !h.handlePhoto(ctx, chatID, key, msg) {
			return
		}
		if caption := strings.TrimSpace(msg.Caption); caption != "" {
			h.handleText(ctx, chatID, key, caption)
		}
		return
	case msg.Voice != nil || msg.Audio != nil:
		text, ok := h.handleVoice(ctx, chatID, msg)
		if ok {
			h.handleText(ctx, chatID, key, text)
		}
		return
	}

	if text := strings.TrimSpace(msg.Text); text != "" {
		h.handleText(ctx, chatID, key, text)
	}
}

func (h *Handler) handleText(ctx context.Context, chatID int64, key, text string) {
	h.typing(ctx, chatID)

	if cmd, ok := command(text); ok {
		if h.handleCommand(ctx, chatID, key, cmd) {
			return
		}
	}

	out, err := h.engine.Turn(ctx, chat.Request{
		Key:     key,
		Channel: chat.ChannelTelegram,
		Text:    text,
		OnDeploy: func(ctx context.Context) {
			h.send(ctx, chatID, msgBuilding)
			h.typing(ctx, chatID)
		},
	})
	if err != nil {
		h.fail(ctx, chatID, err)
		return
	}

	switch {
	case out.Blocked != "":
		h.upsell(ctx, chatID, out.Blocked)
	case out.Deployed:
		prefix := ""
		if out.Reply != "" {
			prefix = html.EscapeString(out.Reply) + "\n\n"
		}
		h.send(ctx, chatID, fmt.Sprintf("%s✅ <b>Your website is live!</b>\n\n🌐 %s\n\nSend a message to make changes.", prefix, out.DeployURL))
	default:
		h.send(ctx, chatID, html.EscapeString(out.Reply))
	}
}

// command extracts a slash command, dropping any @botname suffix.
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), true
}

// handleCommand answers known commands and reports whether it did.
func (h *Handler) handleCommand(ctx context.Context, chatID int64, key, cmd string) bool {
	switch cmd {
	case "/start":
		h.send(ctx, chatID, msgWelcome)
	case "/new":
		if err := h.engine.Reset(ctx, key); err != nil {
			h.fail(ctx, chatID, err)
			return true
		}
		h.send(ctx, chatID, msgFreshStart)
	case "/status":
		st, err := h.engine.Status(ctx, key)
		if err != nil {
			h.fail(ctx, chatID, err)
			return true
		}
		h.send(ctx, chatID, statusText(st))
	case "/pages":
		pages, err := h.engine.Pages(ctx, key)
		if err != nil {
			h.fail(ctx, chatID, err)
			return true
		}
		h.send(ctx, chatID, pagesText(pages))
	case "/blog":
		posts, hasBlog, err := h.engine.Blog(ctx, key)
		if err != nil {
			h.fail(ctx, chatID, err)
			return true
		}
		h.send(ctx, chatID, blogText(posts, hasBlog))
	case "/buy":
		h.sendInvoice(ctx, chatID, PayloadExtraSite)
		h.sendInvoice(ctx, chatID, PayloadExtraUpdates)
	default:
		return false
	}
	return true
}

func (h *Handler) handlePayment(ctx context.Context, chatID int64, key string, p *telegram.SuccessfulPayment) {
	log := zerolog.Ctx(ctx)
	tx := p.TelegramPaymentChargeID

	var (
		err     error
		reply   string
		credits int
	)
	switch p.InvoicePayload {
	case PayloadExtraSite:
		credits = 1
		err = h.ledger.AddExtraSite(ctx, key, tx)
		reply = "🎉 <b>Payment received!</b>\n\nYou can now create one more website. Describe it to get started, or /new for a fresh project."
	case PayloadExtraUpdates:
		credits = h.cfg.ExtraUpdatesCount
		err = h.ledger.AddExtraUpdates(ctx, key, tx, credits)
		reply = fmt.Sprintf("🎉 <b>Payment received!</b>\n\n%d more updates added. Send a message to keep editing your site.", credits)
	default:
		log.Warn().Str("payload", p.InvoicePayload).Str("tx", tx).Msg("unknown invoice payload")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("tx", tx).Msg("crediting Stars purchase")
		h.send(ctx, chatID, msgPaymentFailed)
		return
	}

	h.metrics.RecordPayment(providerStars, p.InvoicePayload)
	h.notifier.PurchaseCredited(ctx, key, providerStars, p.InvoicePayload, credits)
	log.Info().Str("payload", p.InvoicePayload).Str("tx", tx).Int64("stars", p.TotalAmount).Msg("Stars purchase credited")
	h.send(ctx, chatID, reply)
}

// handlePhoto stores the largest size and reports success.
func (h *Handler) handlePhoto(ctx context.Context, chatID int64, key string, msg *telegram.Message) bool {
	photo := msg.LargestPhoto()
	h.typing(ctx, chatID)

	data, ext, err := h.tg.Download(ctx, photo.FileID)
	if err != nil {
		h.fail(ctx, chatID, err)
		return false
	}
	name := fmt.Sprintf("photo-%d-%s.%s", h.now().Unix(), sanitizeID(photo.FileUniqueID), ext)
	path, err := h.engine.AddImage(ctx, key, name, data)
	if err != nil {
		h.fail(ctx, chatID, err)
		return false
	}
	if strings.TrimSpace(msg.Caption) == "" {
		h.send(ctx, chatID, fmt.Sprintf("📸 Got it! Saved as <code>%s</code>.\n\nTell me where to use it, e.g. \"put this photo on the home page\".", html.EscapeString(path)))
	}
	return true
}

// handleVoice transcribes a voice note and echoes the transcript.
func (h *Handler) handleVoice(ctx context.Context, chatID int64, msg *telegram.Message) (string, bool) {
	if h.transcriber == nil {
		h.send(ctx, chatID, msgVoiceDisabled)
		return "", false
	}
	v := msg.Voice
	if v == nil {
		v = msg.Audio
	}
	h.typing(ctx, chatID)

	data, _, err := h.tg.Download(ctx, v.FileID)
	if err != nil {
		h.fail(ctx, chatID, err)
		return "", false
	}
	text, err := h.transcriber.Transcribe(ctx, data, v.MimeType)
	if errors.Is(err, perrors.ErrInvalidInput) {
		h.send(ctx, chatID, msgNoSpeech)
		return "", false
	}
	if err != nil {
		h.fail(ctx, chatID, err)
		return "", false
	}
	h.send(ctx, chatID, "🎤 <i>"+html.EscapeString(text)+"</i>")
	return text, true
}

func (h *Handler) upsell(ctx context.Context, chatID int64, kind string) {
	if kind == chat.BlockedSite {
		h.send(ctx, chatID, "🚫 You've used your free website.\n\nGet another one for ⭐ "+strconv.FormatInt(h.cfg.ExtraSiteStars, 10)+" Stars:")
		h.sendInvoice(ctx, chatID, PayloadExtraSite)
		return
	}
	h.send(ctx, chatID, fmt.Sprintf("🚫 You've hit the update limit for this site.\n\nGet %d more updates for ⭐ %d Stars:", h.cfg.ExtraUpdatesCount, h.cfg.ExtraUpdatesStars))
	h.sendInvoice(ctx, chatID, PayloadExtraUpdates)
}

func (h *Handler) sendInvoice(ctx context.Context, chatID int64, payload string) {
	inv := telegram.Invoice{
		Title:       "Extra Website",
		Description: "Create one more website with Chat to Website.",
		Payload:     PayloadExtraSite,
		Prices:      []telegram.LabeledPrice{{Label: "Extra website", Amount: h.cfg.ExtraSiteStars}},
	}
	if payload == PayloadExtraUpdates {
		inv = telegram.Invoice{
			Title:       fmt.Sprintf("%d Extra Updates", h.cfg.ExtraUpdatesCount),
			Description: fmt.Sprintf("Make %d more changes to your website.", h.cfg.ExtraUpdatesCount),
			Payload:     PayloadExtraUpdates,
			Prices:      []telegram.LabeledPrice{{Label: "Extra updates", Amount: h.cfg.ExtraUpdatesStars}},
		}
	}
	if err := h.tg.SendInvoice(ctx, chatID, inv); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("payload", payload).Msg("sending invoice")
	}
}

// fail logs err and sends the user-facing apology for its class.
func (h *Handler) fail(ctx context.Context, chatID int64, err error) {
	zerolog.Ctx(ctx).Error().Err(err).Msg("handling message")
	h.metrics.RecordError("bot", errorClass(err))

	var timeout *perrors.DeploymentTimeout
	var de *perrors.DeploymentError
	switch {
	case errors.As(err, &timeout):
		h.send(ctx, chatID, msgDeployTimeout)
	case errors.As(err, &de):
		h.send(ctx, chatID, msgDeployFailed)
	default:
		h.send(ctx, chatID, msgGenericError)
	}
}

func (h *Handler) send(ctx context.Context, chatID int64, text string) {
	if err := h.tg.SendMessage(ctx, chatID, text); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("sending message")
	}
}

func (h *Handler) typing(ctx context.Context, chatID int64) {
	if err := h.tg.SendChatAction(ctx, chatID, "typing"); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("sending chat action")
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, perrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, perrors.ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, perrors.ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "img"
	}
	return b.String()
}
