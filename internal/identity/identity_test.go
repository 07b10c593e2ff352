package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/store"
	"github.com/BTreeMap/AnonRelay/internal/testutil"
	"github.com/BTreeMap/AnonRelay/internal/util"
)

func sequenceGenerator() func() string {
	var mu sync.Mutex
	n := 1000000000
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("ID%d", n)
	}
}

func TestEnsureUser_Idempotent(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewMemoryBackend()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(backend, WithClock(func() time.Time { return fixed }))

	first, err := s.EnsureUser(ctx, "42")
	if err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if !util.IsPseudonym(first.Pseudonym) {
		t.Errorf("pseudonym %q has the wrong shape", first.Pseudonym)
	}
	if !first.CreatedAt.Equal(fixed) || first.Banned {
		t.Errorf("unexpected new record: %+v", first)
	}

	for i := 0; i < 5; i++ {
		again, err := s.EnsureUser(ctx, "42")
		if err != nil {
			t.Fatalf("EnsureUser failed: %v", err)
		}
		if again.Pseudonym != first.Pseudonym {
			t.Fatalf("pseudonym changed from %q to %q", first.Pseudonym, again.Pseudonym)
		}
	}
}

func TestEnsureUser_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.NewMemoryBackend(), WithGenerator(sequenceGenerator()))

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.EnsureUser(ctx, "7")
			if err != nil {
				t.Errorf("EnsureUser failed: %v", err)
				return
			}
			results[i] = rec.Pseudonym
		}(i)
	}
	wg.Wait()
	for _, p := range results {
		if p != results[0] {
			t.Fatalf("concurrent first contact produced different pseudonyms: %v", results)
		}
	}
}

func TestEnsureUser_BanOnlyRecordGetsPseudonym(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewMemoryBackend()
	backend.Seed(models.UserRecord{SenderID: "9", Banned: true})
	s := New(backend, WithGenerator(func() string { return "ID9999999999" }))

	rec, err := s.EnsureUser(ctx, "9")
	if err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if rec.Pseudonym != "ID9999999999" || !rec.Banned {
		t.Errorf("unexpected record: %+v", rec)
	}
	stored, _ := backend.Get(ctx, "9")
	if stored.Pseudonym != "ID9999999999" {
		t.Errorf("pseudonym not persisted: %+v", stored)
	}
}

func TestEnsureUser_Errors(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewMemoryBackend()
	s := New(backend)

	if _, err := s.EnsureUser(ctx, ""); !errors.Is(err, ErrInvalidSender) {
		t.Errorf("expected ErrInvalidSender, got %v", err)
	}

	boom := errors.New("disk on fire")
	backend.FailGet = boom
	if _, err := s.EnsureUser(ctx, "1"); !errors.Is(err, boom) {
		t.Errorf("expected backend error to propagate, got %v", err)
	}
	backend.FailGet = nil
	backend.FailPut = boom
	if _, err := s.EnsureUser(ctx, "1"); !errors.Is(err, boom) {
		t.Errorf("expected put error to propagate, got %v", err)
	}
}

func TestReassignPseudonym(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewMemoryBackend()
	s := New(backend, WithGenerator(sequenceGenerator()))

	rec, _ := s.EnsureUser(ctx, "5")
	fresh, err := s.ReassignPseudonym(ctx, "5")
	if err != nil {
		t.Fatalf("ReassignPseudonym failed: %v", err)
	}
	if fresh == rec.Pseudonym {
		t.Error("expected a different pseudonym")
	}
	again, _ := s.EnsureUser(ctx, "5")
	if again.Pseudonym != fresh {
		t.Errorf("EnsureUser returned %q after reassignment to %q", again.Pseudonym, fresh)
	}

	if _, err := s.ReassignPseudonym(ctx, "404"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown sender, got %v", err)
	}
}

func TestFindByPseudonym(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewMemoryBackend()
	backend.Seed(
		models.UserRecord{SenderID: "1", Pseudonym: "ID1111111111"},
		models.UserRecord{SenderID: "2", Pseudonym: "ID2222222222"},
	)
	s := New(backend)

	rec, err := s.FindByPseudonym(ctx, "ID2222222222")
	if err != nil {
		t.Fatalf("FindByPseudonym failed: %v", err)
	}
	if rec == nil || rec.SenderID != "2" {
		t.Errorf("expected sender 2, got %+v", rec)
	}
	rec, err = s.FindByPseudonym(ctx, "ID3333333333")
	if err != nil || rec != nil {
		t.Errorf("expected no match, got %+v, %v", rec, err)
	}
}
