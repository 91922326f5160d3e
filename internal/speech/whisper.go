// Package speech transcribes voice notes through an OpenAI-compatible
// transcription endpoint.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "whisper-1"
)

var extensions = map[string]string{
	"audio/ogg":  "ogg",
	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
	"audio/wav":  "wav",
	"audio/webm": "webm",
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Whisper calls /v1/audio/transcriptions.
type Whisper struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWhisper creates a transcription client. An empty baseURL uses the OpenAI API.
func NewWhisper(apiKey, baseURL string, logger zerolog.Logger) *Whisper {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Whisper{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With().Str("component", "speech").Logger(),
	}
}

// Extension maps an audio MIME type to a file extension, defaulting to ogg.
func Extension(mimeType string) string {
	if ext, ok := extensions[strings.ToLower(mimeType)]; ok {
		return ext
	}
	return "ogg"
}

// Transcribe uploads audio and returns the trimmed transcript. An empty
// transcript is reported as perrors.ErrInvalidInput.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio."+Extension(mimeType))
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio: %w", err)
	}
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("response_format", "text")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling transcription API: %w: %w", perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", perrors.NewAPIError("whisper", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	text := strings.TrimSpace(string(raw))
	w.logger.Debug().
		Int("audio_bytes", len(audio)).
		Int("chars", len(text)).
		Dur("took", time.Since(start)).
		Msg("transcribed audio")
	if text == "" {
		return "", fmt.Errorf("no speech detected: %w", perrors.ErrInvalidInput)
	}
	return text, nil
}
