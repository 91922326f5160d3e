package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
)

// Installation tokens live one hour; refresh five minutes early.
const tokenRefreshSkew = 5 * time.Minute

// TokenSource yields the credential sent with every API call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a personal access token.
type StaticToken string

// Token returns the token unchanged.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// AppAuth authenticates as a GitHub App installation. Installation tokens
// are minted on demand and cached until shortly before they expire.
type AppAuth struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	baseURL        *url.URL
	logger         zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewAppAuth reads the App private key from disk.
func NewAppAuth(appID, installationID int64, privateKeyPath string, logger zerolog.Logger) (*AppAuth, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return NewAppAuthFromKeyBytes(appID, installationID, keyData, logger)
}

// NewAppAuthFromKeyBytes creates App auth from PEM key bytes.
func NewAppAuthFromKeyBytes(appID, installationID int64, keyData []byte, logger zerolog.Logger) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &AppAuth{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		logger:         logger.With().Str("component", "github.auth").Logger(),
		now:            time.Now,
	}, nil
}

// generateJWT creates the short-lived App JWT used to mint installation tokens.
func (a *AppAuth) generateJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", a.appID),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

// Token returns a cached installation token or mints a new one.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Add(tokenRefreshSkew).Before(a.expiresAt) {
		return a.token, nil
	}

	appJWT, err := a.generateJWT()
	if err != nil {
		return "", err
	}
	client := gh.NewClient(&http.Client{
		Transport: &authTransport{scheme: "Bearer", source: StaticToken(appJWT), base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	})
	if a.baseURL != nil {
		client.BaseURL = a.baseURL
	}

	tok, _, err := client.Apps.CreateInstallationToken(ctx, a.installationID, nil)
	if err != nil {
		return "", fmt.Errorf("creating installation token: %w", err)
	}
	a.token = tok.GetToken()
	a.expiresAt = tok.GetExpiresAt().Time
	if a.expiresAt.IsZero() {
		a.expiresAt = a.now().Add(time.Hour)
	}
	a.logger.Info().Time("expires_at", a.expiresAt).Msg("minted installation token")
	return a.token, nil
}

// authTransport sets the Authorization header from a TokenSource.
type authTransport struct {
	scheme string
	source TokenSource
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", t.scheme+" "+token)
	return t.base.RoundTrip(req2)
}
