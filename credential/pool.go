// Package credential selects usable search API credentials and records rate-limit cooldowns.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tweet-watcher/pkg/watcher"
)

// ErrNoCredential is returned when every credential is cooling down.
var ErrNoCredential = errors.New("no search credential available")

// Store persists credentials and their cooldowns.
type Store interface {
	ListCredentials(ctx context.Context) ([]*watcher.Credential, error)
	SetCredentialReset(ctx context.Context, id string, resetAt time.Time) error
}

// Pool hands out credentials from a shared, rate-limited set.
type Pool struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a credential pool backed by store.
func New(store Store, logger *slog.Logger) *Pool {
	return &Pool{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SelectAvailable returns the first credential in listing order that is usable at now,
// or nil if all of them are throttled.
func SelectAvailable(creds []*watcher.Credential, now time.Time) *watcher.Credential {
	for _, c := range creds {
		if c.Available(now) {
			return c
		}
	}
	return nil
}

// Acquire returns a usable credential or ErrNoCredential.
func (p *Pool) Acquire(ctx context.Context) (*watcher.Credential, error) {
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	now := p.now()
	c := SelectAvailable(creds, now)
	if c == nil {
		p.logger.Warn("All credentials are cooling down", "count", len(creds))
		return nil, ErrNoCredential
	}

	p.logger.Debug("Credential acquired", "credential", c, "candidates", len(creds))
	return c, nil
}

// ReleaseWithCooldown marks a credential unusable until resetAt.
// Concurrent callers may overwrite each other; the reset time is advisory.
func (p *Pool) ReleaseWithCooldown(ctx context.Context, c *watcher.Credential, resetAt time.Time) error {
	if err := p.store.SetCredentialReset(ctx, c.ID, resetAt); err != nil {
		return fmt.Errorf("set credential reset: %w", err)
	}

	t := resetAt
	c.AvailableAfter = &t

	p.logger.Info("Credential throttled",
		"credential", c,
		"reset_at", resetAt.Format(time.RFC3339),
		"cooldown", resetAt.Sub(p.now()).Round(time.Second).String())
	return nil
}
