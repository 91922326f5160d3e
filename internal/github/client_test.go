package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

// fakeGitHub is a tiny in-memory stand-in for the REST endpoints the client uses.
type fakeGitHub struct {
	mu        sync.Mutex
	repos     map[string]bool
	files     map[string]string // "repo/path" -> content
	userCalls atomic.Int32
	auth      []string
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	f := &fakeGitHub{repos: map[string]bool{}, files: map[string]string{}}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		f.userCalls.Add(1)
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"login": "octo"})
	})
	mux.HandleFunc("POST /user/repos", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		name := body["name"].(string)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.repos[name] {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "Repository creation failed.",
				"errors":  []map[string]any{{"resource": "Repository", "field": "name", "message": "name already exists on this account"}},
			})
			return
		}
		f.repos[name] = true
		writeJSON(w, http.StatusCreated, map[string]any{"name": name, "auto_init": body["auto_init"]})
	})
	mux.HandleFunc("GET /repos/octo/{repo}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.repos[r.PathValue("repo")] {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("repo"), "default_branch": "main"})
	})
	mux.HandleFunc("/repos/octo/{repo}/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("repo") + "/" + r.PathValue("path")
		f.mu.Lock()
		defer f.mu.Unlock()
		_, ok := f.files[key]
		switch r.Method {
		case http.MethodGet:
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"type": "file", "sha": "sha-" + key, "path": r.PathValue("path")})
		case http.MethodPut:
			var body struct {
				Content string `json:"content"`
				SHA     string `json:"sha"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if ok && body.SHA != "sha-"+key {
				writeJSON(w, http.StatusConflict, map[string]any{"message": "sha mismatch"})
				return
			}
			raw, _ := base64.StdEncoding.DecodeString(body.Content)
			f.files[key] = string(raw)
			writeJSON(w, http.StatusCreated, map[string]any{"content": map[string]any{"path": r.PathValue("path")}})
		case http.MethodDelete:
			delete(f.files, key)
			writeJSON(w, http.StatusOK, map[string]any{})
		}
	})
	mux.HandleFunc("GET /repos/octo/{repo}/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		f.mu.Lock()
		defer f.mu.Unlock()
		entries := []map[string]any{{"path": "src", "type": "tree"}}
		prefix := r.PathValue("repo") + "/"
		for k := range f.files {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				entries = append(entries, map[string]any{"path": k[len(prefix):], "type": "blob"})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sha": "t", "tree": entries})
	})
	mux.HandleFunc("POST /app/installations/67890/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":      "ghs_install",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGitHub) record(r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Options{Token: "ghp_test", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestOwner_Memoized(t *testing.T) {
	f, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		owner, err := c.Owner(ctx)
		require.NoError(t, err)
		assert.Equal(t, "octo", owner)
	}
	assert.Equal(t, int32(1), f.userCalls.Load())
	assert.Equal(t, "token ghp_test", f.auth[0])

	c.ResetOwner()
	_, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.userCalls.Load())
}

func TestCreateRepo_AlreadyExistsIsSuccess(t *testing.T) {
	_, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	created, err := c.CreateRepo(ctx, "bakery", "Generated website: bakery")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.CreateRepo(ctx, "bakery", "Generated website: bakery")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRepoExists(t *testing.T) {
	f, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	ok, err := c.RepoExists(ctx, "bakery")
	require.NoError(t, err)
	assert.False(t, ok)

	f.repos["bakery"] = true
	ok, err = c.RepoExists(ctx, "bakery")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutFile_CreateThenUpdate(t *testing.T) {
	f, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.PutFile(ctx, "bakery", "src/app/page.tsx", []byte("v1"), "Add src/app/page.tsx"))
	require.NoError(t, c.PutFile(ctx, "bakery", "src/app/page.tsx", []byte("v2"), "Update website"))
	assert.Equal(t, "v2", f.files["bakery/src/app/page.tsx"])
}

func TestDeleteFile_MissingIsNoop(t *testing.T) {
	f, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.DeleteFile(ctx, "bakery", "src/app/gone/page.tsx", "Remove page"))

	f.files["bakery/src/app/old/page.tsx"] = "x"
	require.NoError(t, c.DeleteFile(ctx, "bakery", "src/app/old/page.tsx", "Remove page"))
	assert.NotContains(t, f.files, "bakery/src/app/old/page.tsx")
}

func TestListFiles_BlobsOnly(t *testing.T) {
	f, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)
	f.repos["bakery"] = true
	f.files["bakery/package.json"] = "{}"
	f.files["bakery/src/app/page.tsx"] = "x"

	paths, err := c.ListFiles(context.Background(), "bakery")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"package.json", "src/app/page.tsx"}, paths)
}

func TestUploadAsset(t *testing.T) {
	f, srv := newFakeGitHub(t)
	c := newTestClient(t, srv)

	url, err := c.UploadAsset(context.Background(), "bakery", "logo.jpg", []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.Equal(t, "/images/logo.jpg", url)
	assert.Equal(t, string([]byte{0xff, 0xd8}), f.files["bakery/public/images/logo.jpg"])
}

func TestOwner_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Bad credentials"})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.Owner(context.Background())
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestAppAuth_MintsAndCachesInstallationToken(t *testing.T) {
	f, srv := newFakeGitHub(t)
	app, err := NewAppAuthFromKeyBytes(12345, 67890, generateTestKey(t), zerolog.Nop())
	require.NoError(t, err)

	c, err := New(Options{App: app, Owner: "octo", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	owner, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "octo", owner, "app mode uses the configured owner")
	assert.Equal(t, int32(0), f.userCalls.Load())

	_, err = c.CreateRepo(ctx, "bakery", "d")
	require.Error(t, err, "org repo route is not served by the fake")

	tok, err := app.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ghs_install", tok)

	var mints int
	for _, a := range f.auth {
		if len(a) > 7 && a[:7] == "Bearer " {
			mints++
		}
	}
	assert.Equal(t, 1, mints, "installation token is cached")
}

func TestAppAuth_RequiresOwner(t *testing.T) {
	app, err := NewAppAuthFromKeyBytes(1, 2, generateTestKey(t), zerolog.Nop())
	require.NoError(t, err)
	_, err = New(Options{App: app}, zerolog.Nop())
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestGenerateJWT(t *testing.T) {
	app, err := NewAppAuthFromKeyBytes(12345, 67890, generateTestKey(t), zerolog.Nop())
	require.NoError(t, err)
	signed, err := app.generateJWT()
	require.NoError(t, err)
	assert.Contains(t, signed, ".")
}
