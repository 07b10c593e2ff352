package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

var contractSeq atomic.Int64

// uniqueSenders returns ids that do not collide across runs against shared
// databases.
func uniqueSenders(n int) []models.SenderID {
	base := time.Now().UnixNano()/1000 + contractSeq.Add(1)*1000
	ids := make([]models.SenderID, n)
	for i := range ids {
		ids[i] = models.SenderID(fmt.Sprintf("%d%d", base, i))
	}
	return ids
}

// testBackendContract exercises the behaviour every Backend must share.
func testBackendContract(t *testing.T, s Backend) {
	t.Helper()
	ctx := context.Background()
	ids := uniqueSenders(3)
	alice, bob, ghost := ids[0], ids[1], ids[2]

	t.Run("GetMissing", func(t *testing.T) {
		rec, err := s.Get(ctx, ghost)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec != nil {
			t.Errorf("expected nil record for unknown sender, got %+v", rec)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := s.Update(ctx, ghost, models.BanUpdate(true))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutAndGet", func(t *testing.T) {
		if err := s.Put(ctx, models.UserRecord{SenderID: alice, Pseudonym: "ID1234567890"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		rec, err := s.Get(ctx, alice)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec == nil {
			t.Fatal("expected record, got nil")
		}
		if rec.SenderID != alice || rec.Pseudonym != "ID1234567890" || rec.Banned {
			t.Errorf("unexpected record: %+v", rec)
		}
	})

	t.Run("UpdateBan", func(t *testing.T) {
		if err := s.Update(ctx, alice, models.BanUpdate(true)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		rec, err := s.Get(ctx, alice)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !rec.Banned {
			t.Error("expected sender to be banned")
		}
		if rec.Pseudonym != "ID1234567890" {
			t.Errorf("ban must not change pseudonym, got %q", rec.Pseudonym)
		}

		if err := s.Update(ctx, alice, models.BanUpdate(false)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		rec, _ = s.Get(ctx, alice)
		if rec.Banned {
			t.Error("expected sender to be unbanned")
		}
	})

	t.Run("UpdatePseudonym", func(t *testing.T) {
		if err := s.Update(ctx, alice, models.PseudonymUpdate("ID5555555555")); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		rec, _ := s.Get(ctx, alice)
		if rec.Pseudonym != "ID5555555555" {
			t.Errorf("expected new pseudonym, got %q", rec.Pseudonym)
		}
	})

	t.Run("ListAll", func(t *testing.T) {
		if err := s.Put(ctx, models.UserRecord{SenderID: bob, Pseudonym: "ID9999999999", Banned: true}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		records, err := s.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll failed: %v", err)
		}
		found := make(map[models.SenderID]models.UserRecord)
		for _, r := range records {
			found[r.SenderID] = r
		}
		if r, ok := found[alice]; !ok || r.Pseudonym != "ID5555555555" || r.Banned {
			t.Errorf("alice missing or wrong in ListAll: %+v", r)
		}
		if r, ok := found[bob]; !ok || r.Pseudonym != "ID9999999999" || !r.Banned {
			t.Errorf("bob missing or wrong in ListAll: %+v", r)
		}
		if _, ok := found[ghost]; ok {
			t.Error("unknown sender must not be listed")
		}
	})
}
