package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

const (
	defaultDodoURL      = "https://api.dodopayments.com"
	webhookTolerance    = 5 * time.Minute
	webhookSecretPrefix = "whsec_"
)

// Dodo sells packages in INR through Dodo Payments payment links.
type Dodo struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	logger        zerolog.Logger
	now           func() time.Time
}

// NewDodo creates the gateway. An empty baseURL uses the live API.
func NewDodo(apiKey, webhookSecret, baseURL string, logger zerolog.Logger) *Dodo {
	if baseURL == "" {
		baseURL = defaultDodoURL
	}
	return &Dodo{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With().Str("component", "payments.dodo").Logger(),
		now:           time.Now,
	}
}

// Provider implements Gateway.
func (d *Dodo) Provider() Provider { return ProviderDodo }

type dodoBilling struct {
	City    string `json:"city"`
	Country string `json:"country"`
	State   string `json:"state"`
	Street  string `json:"street"`
	Zipcode string `json:"zipcode"`
}

type dodoCustomer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type dodoCartItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Amount   int64  `json:"amount"`
}

type dodoPaymentRequest struct {
	Billing     dodoBilling       `json:"billing"`
	Customer    dodoCustomer      `json:"customer"`
	PaymentLink bool              `json:"payment_link"`
	ProductCart []dodoCartItem    `json:"product_cart"`
	ReturnURL   string            `json:"return_url"`
	Metadata    map[string]string `json:"metadata"`
}

type dodoPaymentResponse struct {
	PaymentLink string `json:"payment_link"`
	PaymentID   string `json:"payment_id"`
}

// CreateCheckout creates a payment link. Amounts are sent in rupees.
func (d *Dodo) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	body, err := json.Marshal(dodoPaymentRequest{
		Billing:     dodoBilling{City: "Mumbai", Country: "IN", State: "MH", Street: "N/A", Zipcode: "400001"},
		Customer:    dodoCustomer{Email: "user-" + sanitizeEmailLocal(req.UserKey) + "@chat-to-website.app", Name: "Customer"},
		PaymentLink: true,
		ProductCart: []dodoCartItem{{Name: req.Package.DisplayName(), Quantity: 1, Amount: req.Package.INRPaise / 100}},
		ReturnURL:   req.SuccessURL,
		Metadata:    checkoutMetadata(req),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling dodo request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling dodo: %w: %w", perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, perrors.NewAPIError("dodo", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out dodoPaymentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding dodo response: %w", err)
	}
	if out.PaymentLink == "" || out.PaymentID == "" {
		return nil, fmt.Errorf("dodo response missing payment link: %w", perrors.ErrUnavailable)
	}
	d.logger.Info().Str("payment_id", out.PaymentID).Str("package", req.Package.ID).Str("user", req.UserKey).Msg("created payment link")
	return &CheckoutSession{ProviderID: out.PaymentID, URL: out.PaymentLink}, nil
}

type dodoPayment struct {
	PaymentID string            `json:"payment_id"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata"`
}

type dodoWebhook struct {
	Type string       `json:"type"`
	Data *dodoPayment `json:"data"`
	dodoPayment
}

// ParseWebhook verifies the Standard Webhooks signature and decodes the
// payment. Statuses other than succeeded or completed are not paid.
func (d *Dodo) ParseWebhook(payload []byte, header func(string) string) (*Event, error) {
	if err := d.verify(payload, header("webhook-id"), header("webhook-timestamp"), header("webhook-signature")); err != nil {
		return nil, err
	}

	var wh dodoWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decoding dodo webhook: %w: %w", perrors.ErrInvalidInput, err)
	}
	p := wh.dodoPayment
	if wh.Data != nil {
		p = *wh.Data
	}
	if p.PaymentID == "" {
		return nil, fmt.Errorf("dodo webhook has no payment_id: %w", perrors.ErrInvalidInput)
	}

	ev := &Event{
		Provider:   ProviderDodo,
		ProviderID: p.PaymentID,
		Paid:       p.Status == "succeeded" || p.Status == "completed",
	}
	eventFromMetadata(ev, p.Metadata)
	if !ev.Paid {
		d.logger.Debug().Str("payment_id", p.PaymentID).Str("status", p.Status).Msg("ignoring dodo payment status")
	}
	return ev, nil
}

// verify checks a Standard Webhooks signature: base64 HMAC-SHA256 over
// "id.timestamp.body", any of the space-separated "v1,<sig>" entries.
func (d *Dodo) verify(payload []byte, id, timestamp, signatures string) error {
	if d.webhookSecret == "" {
		return fmt.Errorf("dodo webhook secret not configured: %w", perrors.ErrVerification)
	}
	if id == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("missing webhook signature headers: %w", perrors.ErrVerification)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad webhook timestamp: %w", perrors.ErrVerification)
	}
	if diff := d.now().Sub(time.Unix(ts, 0)); diff > webhookTolerance || diff < -webhookTolerance {
		return fmt.Errorf("webhook timestamp outside tolerance: %w", perrors.ErrVerification)
	}

	expected := signPayload(d.secretKey(), id, timestamp, payload)
	for _, sig := range strings.Fields(signatures) {
		version, value, ok := strings.Cut(sig, ",")
		if ok && version == "v1" && hmac.Equal([]byte(value), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("webhook signature mismatch: %w", perrors.ErrVerification)
}

func (d *Dodo) secretKey() []byte {
	secret := strings.TrimPrefix(d.webhookSecret, webhookSecretPrefix)
	if key, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return key
	}
	return []byte(secret)
}

func signPayload(key []byte, id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sanitizeEmailLocal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}
