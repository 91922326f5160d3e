package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

const assetPrefix = "assets:"

// Asset is an uploaded image waiting for the first deployment of a site.
type Asset struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// StageAsset keeps an image for a conversation that has no repository yet.
// Staging the same name again replaces the earlier bytes.
func (s *Store) StageAsset(ctx context.Context, key string, a Asset) error {
	staged, err := s.StagedAssets(ctx, key)
	if err != nil {
		return err
	}
	replaced := false
	for i := range staged {
		if staged[i].Name == a.Name {
			staged[i] = a
			replaced = true
		}
	}
	if !replaced {
		staged = append(staged, a)
	}
	raw, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("encoding assets %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, assetPrefix+key, raw); err != nil {
		return fmt.Errorf("staging asset %s: %w", key, err)
	}
	return nil
}

// StagedAssets returns the images staged for key, oldest first.
func (s *Store) StagedAssets(ctx context.Context, key string) ([]Asset, error) {
	raw, err := s.kv.Get(ctx, assetPrefix+key)
	if errors.Is(err, perrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading assets %s: %w", key, err)
	}
	var staged []Asset
	if err := json.Unmarshal(raw, &staged); err != nil {
		return nil, fmt.Errorf("decoding assets %s: %w", key, err)
	}
	return staged, nil
}

// ClearAssets drops staged images once they have been published.
func (s *Store) ClearAssets(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, assetPrefix+key); err != nil {
		return fmt.Errorf("clearing assets %s: %w", key, err)
	}
	return nil
}
