package project

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/store"
)

func setupTestStore(t *testing.T) (*Store, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()
	return NewStore(kv, zerolog.Nop()), kv
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.Get(context.Background(), "42")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	st, found, err := s.GetOrNew(context.Background(), "42")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotNil(t, st.Pages)
	assert.NotNil(t, st.Messages)
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s, kv := setupTestStore(t)

	st := NewState()
	st.RepoName = "site-abc"
	st.DeployCount = 3
	st.UpsertPage(PageContent{Slug: "home", Title: "Home", IsHome: true})
	require.NoError(t, s.Set(ctx, "42", st))

	raw, err := kv.Get(ctx, "project:42")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"repoName":"site-abc"`)

	got, err := s.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "site-abc", got.RepoName)
	assert.Equal(t, 3, got.DeployCount)
	assert.Len(t, got.Pages, 1)

	require.NoError(t, s.Delete(ctx, "42"))
	_, err = s.Get(ctx, "42")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestStore_BackfillsLegacyRecord(t *testing.T) {
	ctx := context.Background()
	s, kv := setupTestStore(t)
	legacy := `{"repoName":"site-lx1","currentHtml":"<h1>Hi</h1>","deployUrl":"https://site-lx1.vercel.app","messages":[{"role":"user","content":"hi"}]}`
	require.NoError(t, kv.Set(ctx, "project:7", []byte(legacy)))

	got, err := s.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, []PageContent{}, got.Pages)
	assert.Equal(t, []BlogPost{}, got.BlogPosts)
	assert.Equal(t, []string{}, got.Images)
	assert.False(t, got.HasBlog)
	assert.Nil(t, got.SiteConfig)
	assert.Equal(t, 0, got.DeployCount)
	assert.Equal(t, "<h1>Hi</h1>", got.CurrentHTML)
}

func TestStore_NullFieldsBackfill(t *testing.T) {
	ctx := context.Background()
	s, kv := setupTestStore(t)
	require.NoError(t, kv.Set(ctx, "project:8", []byte(`{"repoName":null,"pages":null,"siteConfig":null,"messages":[]}`)))

	got, err := s.Get(ctx, "8")
	require.NoError(t, err)
	assert.False(t, got.HasProject())
	assert.NotNil(t, got.Pages)
}

func TestStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	s, kv := setupTestStore(t)
	require.NoError(t, kv.Set(ctx, "project:9", []byte(`{not json`)))
	_, err := s.Get(ctx, "9")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, perrors.ErrNotFound)
}
