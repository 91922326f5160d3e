package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Assets(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	staged, err := s.StagedAssets(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, staged)

	require.NoError(t, s.StageAsset(ctx, "42", Asset{Name: "a.jpg", Data: []byte("one")}))
	require.NoError(t, s.StageAsset(ctx, "42", Asset{Name: "b.png", Data: []byte("two")}))
	require.NoError(t, s.StageAsset(ctx, "42", Asset{Name: "a.jpg", Data: []byte("three")}))

	staged, err = s.StagedAssets(ctx, "42")
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, "a.jpg", staged[0].Name)
	assert.Equal(t, []byte("three"), staged[0].Data)
	assert.Equal(t, "b.png", staged[1].Name)

	require.NoError(t, s.ClearAssets(ctx, "42"))
	staged, err = s.StagedAssets(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestStore_AssetsIndependentOfProject(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	require.NoError(t, s.StageAsset(ctx, "7", Asset{Name: "a.jpg", Data: []byte("x")}))
	require.NoError(t, s.Delete(ctx, "7"))

	staged, err := s.StagedAssets(ctx, "7")
	require.NoError(t, err)
	assert.Len(t, staged, 1)
}
