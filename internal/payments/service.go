package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/store"
)

const pendingPrefix = "payment:"

// Payment record statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// WebUserPrefix namespaces web session IDs in the usage ledger.
const WebUserPrefix = "web:"

// CreditLedger receives purchased credits. A repeated txID must be a no-op.
type CreditLedger interface {
	AddCredits(ctx context.Context, userID, txID string, credits int) (applied bool, err error)
}

// Notifier is told about credited purchases.
type Notifier interface {
	PurchaseCredited(ctx context.Context, userKey, provider, packageID string, credits int)
}

// Record is the pending payment written when a checkout opens, so the
// webhook can credit the buyer even without provider metadata.
type Record struct {
	Provider    Provider   `json:"provider"`
	ProviderID  string     `json:"providerId"`
	UserKey     string     `json:"userKey"`
	PackageID   string     `json:"packageId"`
	Credits     int        `json:"credits"`
	AmountMinor int64      `json:"amountMinor"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Service opens checkouts and applies payment webhooks.
type Service struct {
	gateways map[Provider]Gateway
	kv       store.KV
	ledger   CreditLedger
	notifier Notifier
	metrics  *metrics.Metrics
	appURL   string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the configured gateways. notifier and m may be nil.
func NewService(kv store.KV, ledger CreditLedger, appURL string, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger, gateways ...Gateway) *Service {
	s := &Service{
		gateways: make(map[Provider]Gateway, len(gateways)),
		kv:       kv,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
		appURL:   strings.TrimRight(appURL, "/"),
		logger:   logger.With().Str("component", "payments").Logger(),
		now:      time.Now,
	}
	for _, g := range gateways {
		s.gateways[g.Provider()] = g
	}
	return s
}

// Enabled reports whether provider is configured.
func (s *Service) Enabled(provider Provider) bool {
	_, ok := s.gateways[provider]
	return ok
}

// Checkout opens a hosted checkout for a web session and returns its URL.
func (s *Service) Checkout(ctx context.Context, sessionID, packageID string, provider Provider) (string, error) {
	if sessionID == "" || packageID == "" || provider == "" {
		return "", fmt.Errorf("missing required fields: %w", perrors.ErrInvalidInput)
	}
	pkg, ok := LookupPackage(packageID)
	if !ok {
		return "", fmt.Errorf("invalid package %q: %w", packageID, perrors.ErrInvalidInput)
	}
	if provider != ProviderStripe && provider != ProviderDodo {
		return "", fmt.Errorf("invalid payment provider %q: %w", provider, perrors.ErrInvalidInput)
	}
	gw, ok := s.gateways[provider]
	if !ok {
		return "", fmt.Errorf("%s is not configured: %w", provider, perrors.ErrUnavailable)
	}

	req := CheckoutRequest{
		UserKey:    WebUserPrefix + sessionID,
		Package:    pkg,
		SuccessURL: s.appURL + "/try?success=true",
		CancelURL:  s.appURL + "/try?canceled=true",
	}
	sess, err := gw.CreateCheckout(ctx, req)
	if err != nil {
		s.metrics.RecordError("payments", string(provider))
		return "", err
	}

	rec := Record{
		Provider:   provider,
		ProviderID: sess.ProviderID,
		UserKey:    req.UserKey,
		PackageID:  pkg.ID,
		Credits:    pkg.Credits,
		Status:     StatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if provider == ProviderDodo {
		rec.AmountMinor, rec.Currency = pkg.INRPaise, "INR"
	} else {
		rec.AmountMinor, rec.Currency = pkg.USDCents, "USD"
	}
	if err := s.putRecord(ctx, &rec); err != nil {
		return "", err
	}
	return sess.URL, nil
}

// HandleWebhook verifies and applies one provider notification. The
// returned event is nil only on error. Verification and decode failures
// wrap perrors.ErrVerification or perrors.ErrInvalidInput.
func (s *Service) HandleWebhook(ctx context.Context, provider Provider, payload []byte, header func(string) string) (*Event, error) {
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%s is not configured: %w", provider, perrors.ErrUnavailable)
	}
	ev, err := gw.ParseWebhook(payload, header)
	if err != nil {
		s.metrics.RecordError("payments", "webhook_rejected")
		return nil, err
	}
	if !ev.Paid {
		return ev, nil
	}
	log := s.logger.With().Str("provider", string(provider)).Str("provider_id", ev.ProviderID).Logger()

	rec, err := s.getRecord(ctx, provider, ev.ProviderID)
	switch {
	case err == nil:
		ev.UserKey, ev.PackageID, ev.Credits = rec.UserKey, rec.PackageID, rec.Credits
		if rec.Status == StatusCompleted {
			log.Info().Msg("payment already processed")
			return ev, nil
		}
	case errors.Is(err, perrors.ErrNotFound):
		if ev.UserKey == "" || ev.Credits <= 0 {
			return nil, fmt.Errorf("payment %s not found: %w", ev.ProviderID, perrors.ErrInvalidInput)
		}
		log.Warn().Msg("no pending record, crediting from provider metadata")
		rec = &Record{
			Provider:   provider,
			ProviderID: ev.ProviderID,
			UserKey:    ev.UserKey,
			PackageID:  ev.PackageID,
			Credits:    ev.Credits,
			CreatedAt:  s.now().UTC(),
		}
	default:
		return nil, err
	}

	applied, err := s.ledger.AddCredits(ctx, ev.UserKey, string(provider)+":"+ev.ProviderID, ev.Credits)
	if err != nil {
		return nil, fmt.Errorf("adding credits: %w", err)
	}

	done := s.now().UTC()
	rec.Status, rec.CompletedAt = StatusCompleted, &done
	if err := s.putRecord(ctx, rec); err != nil {
		return nil, err
	}
	if !applied {
		return ev, nil
	}

	log.Info().Str("user", ev.UserKey).Int("credits", ev.Credits).Msg("credited purchase")
	s.metrics.RecordPayment(string(provider), ev.PackageID)
	if s.notifier != nil {
		s.notifier.PurchaseCredited(ctx, ev.UserKey, string(provider), ev.PackageID, ev.Credits)
	}
	return ev, nil
}

// Record returns the stored payment record.
func (s *Service) Record(ctx context.Context, provider Provider, providerID string) (*Record, error) {
	return s.getRecord(ctx, provider, providerID)
}

func recordKey(provider Provider, providerID string) string {
	return pendingPrefix + string(provider) + ":" + providerID
}

func (s *Service) getRecord(ctx context.Context, provider Provider, providerID string) (*Record, error) {
	raw, err := s.kv.Get(ctx, recordKey(provider, providerID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding payment record: %w", err)
	}
	return &rec, nil
}

func (s *Service) putRecord(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding payment record: %w", err)
	}
	if err := s.kv.Set(ctx, recordKey(rec.Provider, rec.ProviderID), raw); err != nil {
		return fmt.Errorf("saving payment record: %w", err)
	}
	return nil
}
