// Package usage is the per-user entitlement ledger: free-tier limits plus
// purchased extras gate site creation and redeploys.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/store"
)

const keyPrefix = "usage:"

// ErrInsufficientCredits is returned by SpendCredits when the balance is too low.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Usage holds a user's counters. All counters only grow, except Credits,
// which SpendCredits draws down.
type Usage struct {
	SitesCreated int      `json:"sitesCreated"`
	ExtraSites   int      `json:"extraSites"`
	ExtraUpdates int      `json:"extraUpdates"`
	Credits      int      `json:"credits"`
	Payments     []string `json:"payments"`
}

// Limits are the free-tier allowances and the admin allow-list.
type Limits struct {
	FreeSites   int
	FreeUpdates int
	Admins      []string
}

// DefaultLimits matches the production defaults.
func DefaultLimits() Limits {
	return Limits{FreeSites: 1, FreeUpdates: 20}
}

// Ledger reads and updates Usage records.
//
// Updates are read-modify-write without compare-and-swap; concurrent
// writes for one user can lose an increment.
type Ledger struct {
	kv     store.KV
	limits Limits
	admins map[string]struct{}
	logger zerolog.Logger
}

// NewLedger creates a ledger over kv.
func NewLedger(kv store.KV, limits Limits, logger zerolog.Logger) *Ledger {
	admins := make(map[string]struct{}, len(limits.Admins))
	for _, id := range limits.Admins {
		admins[id] = struct{}{}
	}
	return &Ledger{
		kv:     kv,
		limits: limits,
		admins: admins,
		logger: logger.With().Str("component", "usage").Logger(),
	}
}

// Limits returns the configured allowances.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Get returns the user's usage, zeroed if none is stored yet.
func (l *Ledger) Get(ctx context.Context, userID string) (*Usage, error) {
	raw, err := l.kv.Get(ctx, keyPrefix+userID)
	if errors.Is(err, perrors.ErrNotFound) {
		return &Usage{Payments: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading usage %s: %w", userID, err)
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decoding usage %s: %w", userID, err)
	}
	if u.Payments == nil {
		u.Payments = []string{}
	}
	return &u, nil
}

func (l *Ledger) put(ctx context.Context, userID string, u *Usage) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding usage %s: %w", userID, err)
	}
	if err := l.kv.Set(ctx, keyPrefix+userID, raw); err != nil {
		return fmt.Errorf("saving usage %s: %w", userID, err)
	}
	return nil
}

func (l *Ledger) update(ctx context.Context, userID string, fn func(u *Usage)) (*Usage, error) {
	u, err := l.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	fn(u)
	if err := l.put(ctx, userID, u); err != nil {
		return nil, err
	}
	return u, nil
}

// IncrementSitesCreated records a newly provisioned site.
func (l *Ledger) IncrementSitesCreated(ctx context.Context, userID string) error {
	_, err := l.update(ctx, userID, func(u *Usage) { u.SitesCreated++ })
	return err
}

// AddExtraSite credits one purchased site. Repeated transaction IDs are
// credited again; the ID is only appended to the audit trail.
func (l *Ledger) AddExtraSite(ctx context.Context, userID, txID string) error {
	u, err := l.update(ctx, userID, func(u *Usage) {
		u.ExtraSites++
		u.Payments = append(u.Payments, txID)
	})
	if err != nil {
		return err
	}
	l.logger.Info().Str("user", userID).Str("tx", txID).Int("extra_sites", u.ExtraSites).Msg("extra site credited")
	return nil
}

// AddExtraUpdates credits count purchased redeploys, with the same
// no-guard contract as AddExtraSite.
func (l *Ledger) AddExtraUpdates(ctx context.Context, userID, txID string, count int) error {
	u, err := l.update(ctx, userID, func(u *Usage) {
		u.ExtraUpdates += count
		u.Payments = append(u.Payments, txID)
	})
	if err != nil {
		return err
	}
	l.logger.Info().Str("user", userID).Str("tx", txID).Int("extra_updates", u.ExtraUpdates).Msg("extra updates credited")
	return nil
}

// AddCredits credits a web credit purchase. A transaction ID already in the
// audit trail is skipped and reported as applied=false.
func (l *Ledger) AddCredits(ctx context.Context, userID, txID string, credits int) (applied bool, err error) {
	if credits <= 0 {
		return false, fmt.Errorf("credits must be positive: %w", perrors.ErrInvalidInput)
	}
	_, err = l.update(ctx, userID, func(u *Usage) {
		if slices.Contains(u.Payments, txID) {
			return
		}
		applied = true
		u.Credits += credits
		u.Payments = append(u.Payments, txID)
	})
	if err != nil {
		return false, err
	}
	if !applied {
		l.logger.Info().Str("user", userID).Str("tx", txID).Msg("payment already processed")
	}
	return applied, nil
}

// SpendCredits draws cost from the credit balance.
func (l *Ledger) SpendCredits(ctx context.Context, userID string, cost int) error {
	var short bool
	_, err := l.update(ctx, userID, func(u *Usage) {
		if u.Credits < cost {
			short = true
			return
		}
		u.Credits -= cost
	})
	if err != nil {
		return err
	}
	if short {
		return ErrInsufficientCredits
	}
	return nil
}

// IsAdmin reports whether userID bypasses all limits.
func (l *Ledger) IsAdmin(userID string) bool {
	_, ok := l.admins[userID]
	return ok
}

// CanCreateSite applies sitesCreated < FREE_SITES + extraSites.
func (l *Ledger) CanCreateSite(userID string, u *Usage) bool {
	return l.IsAdmin(userID) || u.SitesCreated < l.limits.FreeSites+u.ExtraSites
}

// CanUpdate applies deployCount < FREE_UPDATES + extraUpdates.
func (l *Ledger) CanUpdate(userID string, st *project.State, u *Usage) bool {
	return l.IsAdmin(userID) || st.DeployCount < l.limits.FreeUpdates+u.ExtraUpdates
}

// Remaining reports sites and updates left before the next block.
func (l *Ledger) Remaining(st *project.State, u *Usage) (sites, updates int) {
	sites = max(0, l.limits.FreeSites+u.ExtraSites-u.SitesCreated)
	deploys := 0
	if st != nil {
		deploys = st.DeployCount
	}
	updates = max(0, l.limits.FreeUpdates+u.ExtraUpdates-deploys)
	return sites, updates
}
