// Package identity assigns and looks up the pseudonyms shown in place of
// sender ids. It holds no state of its own; every call goes to the backend.
package identity

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/store"
	"github.com/BTreeMap/AnonRelay/internal/util"
)

// ErrInvalidSender is returned for an empty sender id.
var ErrInvalidSender = errors.New("invalid sender id")

// lockStripes bounds the memory used to serialize first contact per sender.
const lockStripes = 64

// Opts holds optional collaborators for Store.
type Opts struct {
	Generate func() string
	Now      func() time.Time
}

// Option configures a Store.
type Option func(*Opts)

// WithGenerator overrides the pseudonym generator.
func WithGenerator(gen func() string) Option {
	return func(o *Opts) { o.Generate = gen }
}

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Store is a facade over a storage backend for pseudonym assignment.
type Store struct {
	backend  store.Backend
	generate func() string
	now      func() time.Time
	stripes  [lockStripes]sync.Mutex
}

// New creates an identity store over backend.
func New(backend store.Backend, opts ...Option) *Store {
	cfg := Opts{
		Generate: util.GeneratePseudonym,
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{backend: backend, generate: cfg.Generate, now: cfg.Now}
}

// lock serializes first-contact handling for one sender within this process.
// Concurrent processes sharing a remote backend remain last-writer-wins.
func (s *Store) lock(id models.SenderID) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &s.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// EnsureUser returns the record for id, creating it with a fresh pseudonym on
// first contact. A record without a pseudonym (for example a sender banned
// before ever writing) is given one.
func (s *Store) EnsureUser(ctx context.Context, id models.SenderID) (models.UserRecord, error) {
	if id == "" {
		return models.UserRecord{}, ErrInvalidSender
	}
	defer s.lock(id)()

	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return models.UserRecord{}, fmt.Errorf("ensure user %s: %w", id, err)
	}
	if rec != nil && rec.Pseudonym != "" {
		return *rec, nil
	}

	pseudonym := s.generate()
	if rec != nil {
		if err := s.backend.Update(ctx, id, models.PseudonymUpdate(pseudonym)); err != nil {
			return models.UserRecord{}, fmt.Errorf("assign pseudonym to %s: %w", id, err)
		}
		rec.Pseudonym = pseudonym
		slog.Info("Identity.EnsureUser: assigned pseudonym to existing record", "sender", id, "pseudonym", pseudonym)
		return *rec, nil
	}

	created := models.UserRecord{
		SenderID:  id,
		Pseudonym: pseudonym,
		CreatedAt: s.now(),
	}
	if err := s.backend.Put(ctx, created); err != nil {
		return models.UserRecord{}, fmt.Errorf("create user %s: %w", id, err)
	}
	slog.Info("Identity.EnsureUser: new sender", "sender", id, "pseudonym", pseudonym)
	return created, nil
}

// ReassignPseudonym replaces the pseudonym of an existing sender and returns
// the new one.
func (s *Store) ReassignPseudonym(ctx context.Context, id models.SenderID) (string, error) {
	if id == "" {
		return "", ErrInvalidSender
	}
	defer s.lock(id)()

	pseudonym := s.generate()
	if err := s.backend.Update(ctx, id, models.PseudonymUpdate(pseudonym)); err != nil {
		return "", fmt.Errorf("reassign pseudonym for %s: %w", id, err)
	}
	slog.Debug("Identity.ReassignPseudonym: done", "sender", id, "pseudonym", pseudonym)
	return pseudonym, nil
}

// FindByPseudonym returns the record currently holding pseudonym, or nil.
// It scans every record.
func (s *Store) FindByPseudonym(ctx context.Context, pseudonym string) (*models.UserRecord, error) {
	records, err := s.backend.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("find pseudonym %s: %w", pseudonym, err)
	}
	for i := range records {
		if records[i].Pseudonym == pseudonym {
			return &records[i], nil
		}
	}
	return nil, nil
}
