// Package telegram is a small Bot API client covering what the bot
// needs: messages, chat actions, Stars invoices, file downloads and
// webhook registration.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

const (
	defaultAPIURL  = "https://api.telegram.org"
	maxMessageLen  = 4096
	sendRetryLimit = 5
	maxDownload    = 20 << 20 // Bot API download cap
)

// Error is a Bot API failure. It unwraps to a perrors.APIError so callers
// can match ErrRateLimit or ErrAuthFailure.
type Error struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return perrors.NewAPIError("telegram", e.Code, e.Description)
}

// Client calls the Bot API. Outbound calls share one rate limiter.
type Client struct {
	token      string
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
	sleep      func(context.Context, time.Duration) bool
}

// New creates a client. rps <= 0 disables throttling.
func New(token, apiURL string, rps int, logger zerolog.Logger) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit, burst = rate.Limit(rps), rps
	}
	return &Client{
		token:      token,
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With().Str("component", "telegram").Logger(),
		sleep:      sleep,
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// SendMessage sends HTML text, split into 4096-rune chunks. A rate-limited
// chunk is retried after the server's retry_after.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text) {
		req := sendMessageRequest{ChatID: chatID, Text: chunk, ParseMode: "HTML"}
		var err error
		for range sendRetryLimit {
			err = c.call(ctx, "sendMessage", req, nil)
			var tgErr *Error
			if err == nil || !errors.As(err, &tgErr) || tgErr.Code != http.StatusTooManyRequests {
				break
			}
			c.logger.Warn().Int64("chat_id", chatID).Dur("wait", tgErr.RetryAfter).Msg("send rate limited, waiting")
			if !c.sleep(ctx, tgErr.RetryAfter) {
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SendChatAction shows a status such as "typing" or "upload_photo".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

type sendInvoiceRequest struct {
	ChatID        int64          `json:"chat_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Payload       string         `json:"payload"`
	ProviderToken string         `json:"provider_token"`
	Currency      string         `json:"currency"`
	Prices        []LabeledPrice `json:"prices"`
}

// SendInvoice sends a Telegram Stars (XTR) invoice.
func (c *Client) SendInvoice(ctx context.Context, chatID int64, inv Invoice) error {
	return c.call(ctx, "sendInvoice", sendInvoiceRequest{
		ChatID:      chatID,
		Title:       inv.Title,
		Description: inv.Description,
		Payload:     inv.Payload,
		Currency:    "XTR",
		Prices:      inv.Prices,
	}, nil)
}

// AnswerPreCheckoutQuery approves or rejects a pending payment.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	body := map[string]any{"pre_checkout_query_id": queryID, "ok": ok}
	if !ok && errorMessage != "" {
		body["error_message"] = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", body, nil)
}

// GetFile resolves a file ID to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("getFile %s: empty file_path: %w", fileID, perrors.ErrNotFound)
	}
	return &f, nil
}

// Download fetches a file by ID and returns its bytes and extension.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/file/bot"+c.token+"/"+f.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading file: %w: %w", perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", perrors.NewAPIError("telegram", resp.StatusCode, "file download failed")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload))
	if err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	ext := strings.TrimPrefix(path.Ext(f.FilePath), ".")
	if ext == "" {
		ext = "jpg"
	}
	return data, ext, nil
}

// SetWebhook registers url for updates. secret, when set, is echoed back in
// the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	body := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "pre_checkout_query"},
	}
	if secret != "" {
		body["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", body, nil)
}

func (c *Client) call(ctx context.Context, method string, args, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/bot"+c.token+"/"+method, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w: %w", method, perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&r); err != nil {
		return fmt.Errorf("telegram %s: decoding response (status %d): %w", method, resp.StatusCode, err)
	}
	if !r.OK {
		code := r.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		tgErr := &Error{Method: method, Code: code, Description: r.Description}
		if r.Parameters != nil {
			tgErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		return tgErr
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decoding result: %w", method, err)
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most 4096 runes, preferring
// newline and then whitespace boundaries.
func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}

		lastNewline, lastSpace, byteCap, runes := -1, -1, len(text), 0
		for i, r := range text {
			if runes == maxMessageLen {
				byteCap = i
				break
			}
			runes++
			switch {
			case r == '\n':
				lastNewline = i
			case unicode.IsSpace(r):
				lastSpace = i
			}
		}

		splitAt := byteCap
		if lastNewline > 0 {
			splitAt = lastNewline
		} else if lastSpace > 0 {
			splitAt = lastSpace
		}
		if chunk := strings.TrimSpace(text[:splitAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
