package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

func newTestFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(WithDSN(dir))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func TestFileStore_Contract(t *testing.T) {
	testBackendContract(t, newTestFileStore(t, t.TempDir()))
}

func TestFileStore_SurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	if err := s.Put(ctx, models.UserRecord{SenderID: "111", Pseudonym: "ID1111111111"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, models.UserRecord{SenderID: "222", Pseudonym: "ID2222222222"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Update(ctx, "222", models.BanUpdate(true)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reloaded := newTestFileStore(t, dir)
	rec, err := reloaded.Get(ctx, "111")
	if err != nil || rec == nil {
		t.Fatalf("Get after reload: rec=%v err=%v", rec, err)
	}
	if rec.Pseudonym != "ID1111111111" || rec.Banned {
		t.Errorf("unexpected record after reload: %+v", rec)
	}
	rec, _ = reloaded.Get(ctx, "222")
	if rec == nil || !rec.Banned || rec.Pseudonym != "ID2222222222" {
		t.Errorf("expected banned record after reload, got %+v", rec)
	}
}

func TestFileStore_FileFormats(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	for _, id := range []models.SenderID{"10", "20", "30"} {
		if err := s.Put(ctx, models.UserRecord{SenderID: id, Pseudonym: "ID10000000" + string(id)}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, DefaultUsersFile))
	if err != nil {
		t.Fatalf("read users file: %v", err)
	}
	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		t.Fatalf("users file is not a JSON object: %v", err)
	}
	if mapping["20"] != "ID1000000020" {
		t.Errorf("unexpected mapping: %v", mapping)
	}

	bannedPath := filepath.Join(dir, DefaultBannedFile)
	s.Update(ctx, "30", models.BanUpdate(true))
	s.Update(ctx, "10", models.BanUpdate(true))
	if got := readLines(t, bannedPath); strings.Join(got, ",") != "30,10" {
		t.Errorf("ban list should be appended in order, got %v", got)
	}

	// repeated ban does not duplicate the line
	s.Update(ctx, "10", models.BanUpdate(true))
	if got := readLines(t, bannedPath); len(got) != 2 {
		t.Errorf("expected 2 lines, got %v", got)
	}

	s.Update(ctx, "30", models.BanUpdate(false))
	if got := readLines(t, bannedPath); strings.Join(got, ",") != "10" {
		t.Errorf("unban should rewrite the list without the id, got %v", got)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp*"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestFileStore_BanWithoutMapping(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultBannedFile), []byte("777\n\nnot-a-number\n888\n"), 0644)

	s := newTestFileStore(t, dir)
	rec, err := s.Get(ctx, "777")
	if err != nil || rec == nil {
		t.Fatalf("expected ban-only record, got rec=%v err=%v", rec, err)
	}
	if !rec.Banned || rec.Pseudonym != "" {
		t.Errorf("unexpected ban-only record: %+v", rec)
	}

	records, _ := s.ListAll(ctx)
	if len(records) != 2 {
		t.Errorf("malformed ban lines should be skipped, got %+v", records)
	}

	if err := s.Update(ctx, "777", models.PseudonymUpdate("ID7777777777")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	rec, _ = s.Get(ctx, "777")
	if rec.Pseudonym != "ID7777777777" || !rec.Banned {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestFileStore_UnreadableBanListTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	// a directory where the ban list should be cannot be read as lines
	if err := os.Mkdir(filepath.Join(dir, DefaultBannedFile), 0755); err != nil {
		t.Fatal(err)
	}
	s := newTestFileStore(t, dir)
	records, err := s.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %+v", records)
	}
}

func TestFileStore_CorruptUsersFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultUsersFile), []byte("{not json"), 0644)

	if _, err := NewFileStore(WithDSN(dir)); err == nil {
		t.Fatal("expected error for corrupt users file")
	}
}

func TestFileStore_CustomFileNames(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "bans.txt")
	s, err := NewFileStore(WithDSN(dir), WithFiles("map.json", abs))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()
	s.Put(ctx, models.UserRecord{SenderID: "5", Pseudonym: "ID5000000000", Banned: true})

	if _, err := os.Stat(filepath.Join(dir, "map.json")); err != nil {
		t.Errorf("expected relative users file under dir: %v", err)
	}
	if _, err := os.Stat(abs); err != nil {
		t.Errorf("expected absolute ban file to be used: %v", err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
