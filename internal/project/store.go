package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/store"
)

const keyPrefix = "project:"

// Store persists one State per conversation key. Writes are last-writer-wins;
// callers serialize turns per key.
type Store struct {
	kv     store.KV
	logger zerolog.Logger
}

// NewStore creates a new project store.
func NewStore(kv store.KV, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.With().Str("component", "project.store").Logger(),
	}
}

// Get loads the state for key, backfilling fields that older records lack.
// A missing record is perrors.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*State, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading project %s: %w", key, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding project %s: %w", key, err)
	}
	st.backfill()
	return &st, nil
}

// GetOrNew loads the state for key or returns a fresh one.
func (s *Store) GetOrNew(ctx context.Context, key string) (*State, bool, error) {
	st, err := s.Get(ctx, key)
	if errors.Is(err, perrors.ErrNotFound) {
		return NewState(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Set overwrites the state for key.
func (s *Store) Set(ctx context.Context, key string, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding project %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, keyPrefix+key, raw); err != nil {
		return fmt.Errorf("saving project %s: %w", key, err)
	}
	return nil
}

// Delete removes the record; the next turn starts from an empty state.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("deleting project %s: %w", key, err)
	}
	s.logger.Info().Str("key", key).Msg("project reset")
	return nil
}
