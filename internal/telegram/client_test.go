package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

type recorded struct {
	method string
	body   map[string]any
}

func newTestServer(t *testing.T, handle func(method string, body map[string]any) (int, string)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/file/botTOKEN/") {
			_, _ = w.Write([]byte("PHOTO"))
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/botTOKEN/")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, recorded{method: method, body: body})
		mu.Unlock()
		status, resp := handle(method, body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func ok(string, map[string]any) (int, string) { return http.StatusOK, `{"ok":true,"result":true}` }

func TestSendMessage_HTML(t *testing.T) {
	srv, calls := newTestServer(t, ok)
	c := New("TOKEN", srv.URL, 0, zerolog.Nop())

	require.NoError(t, c.SendMessage(context.Background(), 42, "✅ <b>Your website is live!</b>"))
	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, "sendMessage", got.method)
	assert.Equal(t, float64(42), got.body["chat_id"])
	assert.Equal(t, "HTML", got.body["parse_mode"])
	assert.Equal(t, "✅ <b>Your website is live!</b>", got.body["text"])
}

func TestSendMessage_RetriesAfterRateLimit(t *testing.T) {
	attempts := 0
	srv, _ := newTestServer(t, func(string, map[string]any) (int, string) {
		attempts++
		if attempts == 1 {
			return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`
		}
		return http.StatusOK, `{"ok":true,"result":{}}`
	})
	c := New("TOKEN", srv.URL, 0, zerolog.Nop())
	var waited time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool { waited = d; return true }

	require.NoError(t, c.SendMessage(context.Background(), 1, "hi"))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 3*time.Second, waited)
}

func TestSendMessage_ErrorMapsToSentinel(t *testing.T) {
	srv, _ := newTestServer(t, func(string, map[string]any) (int, string) {
		return http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
	})
	err := New("TOKEN", srv.URL, 0, zerolog.Nop()).SendMessage(context.Background(), 1, "hi")
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	var tgErr *Error
	require.ErrorAs(t, err, &tgErr)
	assert.Equal(t, "sendMessage", tgErr.Method)
}

func TestSendInvoice_Stars(t *testing.T) {
	srv, calls := newTestServer(t, ok)
	c := New("TOKEN", srv.URL, 0, zerolog.Nop())

	err := c.SendInvoice(context.Background(), 7, Invoice{
		Title:   "Extra website",
		Payload: "extra_site",
		Prices:  []LabeledPrice{{Label: "Extra website", Amount: 50}},
	})
	require.NoError(t, err)
	body := (*calls)[0].body
	assert.Equal(t, "XTR", body["currency"])
	assert.Equal(t, "", body["provider_token"])
	assert.Equal(t, "extra_site", body["payload"])
}

func TestAnswerPreCheckoutQuery(t *testing.T) {
	srv, calls := newTestServer(t, ok)
	c := New("TOKEN", srv.URL, 0, zerolog.Nop())

	require.NoError(t, c.AnswerPreCheckoutQuery(context.Background(), "q1", true, "ignored"))
	require.NoError(t, c.AnswerPreCheckoutQuery(context.Background(), "q2", false, "Unknown product"))
	assert.NotContains(t, (*calls)[0].body, "error_message")
	assert.Equal(t, "Unknown product", (*calls)[1].body["error_message"])
}

func TestDownload(t *testing.T) {
	srv, _ := newTestServer(t, func(method string, body map[string]any) (int, string) {
		assert.Equal(t, "getFile", method)
		assert.Equal(t, "F1", body["file_id"])
		return http.StatusOK, `{"ok":true,"result":{"file_id":"F1","file_path":"photos/file_3.png"}}`
	})
	data, ext, err := New("TOKEN", srv.URL, 0, zerolog.Nop()).Download(context.Background(), "F1")
	require.NoError(t, err)
	assert.Equal(t, []byte("PHOTO"), data)
	assert.Equal(t, "png", ext)
}

func TestSetWebhook(t *testing.T) {
	srv, calls := newTestServer(t, ok)
	require.NoError(t, New("TOKEN", srv.URL, 0, zerolog.Nop()).SetWebhook(context.Background(), "https://x.dev/api/telegram/webhook", "s3cret"))
	body := (*calls)[0].body
	assert.Equal(t, "https://x.dev/api/telegram/webhook", body["url"])
	assert.Equal(t, "s3cret", body["secret_token"])
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("   "))
	assert.Equal(t, []string{"short"}, splitMessage(" short "))

	line := strings.Repeat("a", 3000)
	chunks := splitMessage(line + "\n" + line)
	assert.Equal(t, []string{line, line}, chunks)

	long := strings.Repeat("é", 5000)
	chunks = splitMessage(long)
	require.Len(t, chunks, 2)
	assert.Equal(t, 4096, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 904, utf8.RuneCountInString(chunks[1]))
}

func TestLargestPhoto(t *testing.T) {
	m := &Message{Photo: []PhotoSize{{FileID: "s", Width: 90, Height: 90}, {FileID: "l", Width: 1280, Height: 960}, {FileID: "m", Width: 320, Height: 240}}}
	assert.Equal(t, "l", m.LargestPhoto().FileID)
	assert.Nil(t, (&Message{}).LargestPhoto())
}
