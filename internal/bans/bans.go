// Package bans owns the ban state of senders on top of a storage backend.
package bans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/AnonRelay/internal/identity"
	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/store"
)

// Registry answers and changes ban state. Ban and Unban are idempotent.
type Registry struct {
	backend store.Backend
	ids     *identity.Store
}

// New creates a Registry. ids is used to create a record when banning a
// sender that has never written.
func New(backend store.Backend, ids *identity.Store) *Registry {
	return &Registry{backend: backend, ids: ids}
}

// IsBanned reports whether id is banned. Unknown senders are not banned.
// A storage error is returned, never treated as "not banned".
func (r *Registry) IsBanned(ctx context.Context, id models.SenderID) (bool, error) {
	rec, err := r.backend.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check ban for %s: %w", id, err)
	}
	return rec != nil && rec.Banned, nil
}

// Ban marks id as banned, creating its record if needed.
func (r *Registry) Ban(ctx context.Context, id models.SenderID) error {
	if err := r.set(ctx, id, true); err != nil {
		return err
	}
	slog.Info("Registry.Ban: sender banned", "sender", id)
	return nil
}

// Unban clears the ban on id. Unbanning an unknown sender is a no-op.
func (r *Registry) Unban(ctx context.Context, id models.SenderID) error {
	if err := r.set(ctx, id, false); err != nil {
		return err
	}
	slog.Info("Registry.Unban: sender unbanned", "sender", id)
	return nil
}

func (r *Registry) set(ctx context.Context, id models.SenderID, banned bool) error {
	err := r.backend.Update(ctx, id, models.BanUpdate(banned))
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("set ban=%t for %s: %w", banned, id, err)
	}
	if !banned {
		return nil
	}

	// first-write fallback
	if _, err := r.ids.EnsureUser(ctx, id); err != nil {
		return fmt.Errorf("create record to ban %s: %w", id, err)
	}
	if err := r.backend.Update(ctx, id, models.BanUpdate(true)); err != nil {
		return fmt.Errorf("set ban=true for %s: %w", id, err)
	}
	return nil
}
