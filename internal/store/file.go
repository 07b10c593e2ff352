// Package store provides storage backends for AnonRelay.
//
// This file implements the local file backend: a JSON mapping of sender id to
// pseudonym, rewritten atomically, plus a newline-delimited ban list that is
// appended on ban and rewritten on unban.
package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

// Constants for file store configuration
const (
	// DefaultDirPermissions defines the default permissions for state directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the permissions of the mapping and ban files
	DefaultFilePermissions = 0644
)

// FileStore keeps all records in memory and mirrors them to two files.
// All access is serialized through mu; across processes the mapping file is
// last-writer-wins, so run it behind the state directory lock.
type FileStore struct {
	mu         sync.Mutex
	usersPath  string
	bannedPath string
	users      map[models.SenderID]string
	banned     map[models.SenderID]struct{}
	createdAt  map[models.SenderID]time.Time // not persisted
}

var _ Backend = (*FileStore)(nil)

// NewFileStore loads (or initializes) the files under the configured directory.
// An unreadable ban list is logged and treated as empty; an unreadable mapping
// file is an error, since rewriting it would discard every pseudonym.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewFileStore invoked", "dir", cfg.DSN, "users_file", cfg.UsersFile, "banned_file", cfg.BannedFile)

	dir := cfg.DSN
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create state directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &FileStore{
		usersPath:  resolvePath(dir, cfg.UsersFile, DefaultUsersFile),
		bannedPath: resolvePath(dir, cfg.BannedFile, DefaultBannedFile),
		banned:     make(map[models.SenderID]struct{}),
		createdAt:  make(map[models.SenderID]time.Time),
	}

	users, err := loadUsersFile(s.usersPath)
	if err != nil {
		slog.Error("Failed to load users file", "error", err, "path", s.usersPath)
		return nil, err
	}
	s.users = users

	banned, err := loadBannedFile(s.bannedPath)
	if err != nil {
		slog.Error("Failed to load ban list, treating nobody as banned", "error", err, "path", s.bannedPath)
	} else {
		s.banned = banned
	}

	slog.Info("FileStore loaded", "users_path", s.usersPath, "banned_path", s.bannedPath, "users", len(s.users), "banned", len(s.banned))
	return s, nil
}

func resolvePath(dir, name, def string) string {
	if name == "" {
		name = def
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func loadUsersFile(path string) (map[models.SenderID]string, error) {
	users := make(map[models.SenderID]string)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return users, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return users, nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for k, v := range raw {
		id, err := models.ParseSenderID(k)
		if err != nil || string(id) != k {
			slog.Warn("FileStore skipping malformed sender id in users file", "sender_id", k)
			continue
		}
		users[id] = v
	}
	return users, nil
}

func loadBannedFile(path string) (map[models.SenderID]struct{}, error) {
	banned := make(map[models.SenderID]struct{})
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return banned, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !isDecimal(line) {
			slog.Warn("FileStore skipping malformed line in ban list", "line", line)
			continue
		}
		banned[models.SenderID(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return banned, nil
}

func isDecimal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// Get returns the record for id. Ban-only entries (no pseudonym yet) are
// returned with an empty Pseudonym.
func (s *FileStore) Get(ctx context.Context, id models.SenderID) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(id), nil
}

func (s *FileStore) recordLocked(id models.SenderID) *models.UserRecord {
	pseudonym, known := s.users[id]
	_, banned := s.banned[id]
	if !known && !banned {
		return nil
	}
	return &models.UserRecord{
		SenderID:  id,
		Pseudonym: pseudonym,
		Banned:    banned,
		CreatedAt: s.createdAt[id],
	}
}

// Put replaces the record for rec.SenderID, touching only the files whose
// content actually changes.
func (s *FileStore) Put(ctx context.Context, rec models.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Pseudonym != "" {
		if err := s.setPseudonymLocked(rec.SenderID, rec.Pseudonym); err != nil {
			return err
		}
	}
	if err := s.setBannedLocked(rec.SenderID, rec.Banned); err != nil {
		return err
	}
	if _, ok := s.createdAt[rec.SenderID]; !ok && !rec.CreatedAt.IsZero() {
		s.createdAt[rec.SenderID] = rec.CreatedAt
	}
	slog.Debug("FileStore Put succeeded", "sender", rec.SenderID, "banned", rec.Banned)
	return nil
}

// Update applies upd to an existing record.
func (s *FileStore) Update(ctx context.Context, id models.SenderID, upd models.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recordLocked(id) == nil {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if upd.Pseudonym != nil {
		if err := s.setPseudonymLocked(id, *upd.Pseudonym); err != nil {
			return err
		}
	}
	if upd.Banned != nil {
		if err := s.setBannedLocked(id, *upd.Banned); err != nil {
			return err
		}
	}
	slog.Debug("FileStore Update succeeded", "sender", id)
	return nil
}

// ListAll returns every known sender, sorted by id.
func (s *FileStore) ListAll(ctx context.Context) ([]models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]models.SenderID, 0, len(s.users)+len(s.banned))
	for id := range s.users {
		ids = append(ids, id)
	}
	for id := range s.banned {
		if _, ok := s.users[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records := make([]models.UserRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, *s.recordLocked(id))
	}
	return records, nil
}

// Close is a no-op; every write is already durable.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) setPseudonymLocked(id models.SenderID, pseudonym string) error {
	prev, known := s.users[id]
	if known && prev == pseudonym {
		return nil
	}
	s.users[id] = pseudonym
	if err := s.writeUsersLocked(); err != nil {
		if known {
			s.users[id] = prev
		} else {
			delete(s.users, id)
		}
		return err
	}
	return nil
}

func (s *FileStore) setBannedLocked(id models.SenderID, banned bool) error {
	_, cur := s.banned[id]
	switch {
	case banned && !cur:
		if err := appendLine(s.bannedPath, string(id)); err != nil {
			slog.Error("FileStore failed to append to ban list", "error", err, "sender", id)
			return fmt.Errorf("failed to append to ban list: %w", err)
		}
		s.banned[id] = struct{}{}
	case !banned && cur:
		delete(s.banned, id)
		if err := s.writeBannedLocked(); err != nil {
			s.banned[id] = struct{}{}
			return err
		}
	}
	return nil
}

func (s *FileStore) writeUsersLocked() error {
	raw := make(map[string]string, len(s.users))
	for id, pseudonym := range s.users {
		raw[string(id)] = pseudonym
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode users file: %w", err)
	}
	if err := writeFileAtomic(s.usersPath, data, DefaultFilePermissions); err != nil {
		slog.Error("FileStore failed to write users file", "error", err, "path", s.usersPath)
		return fmt.Errorf("failed to write users file: %w", err)
	}
	return nil
}

func (s *FileStore) writeBannedLocked() error {
	ids := make([]string, 0, len(s.banned))
	for id := range s.banned {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(s.bannedPath, buf.Bytes(), DefaultFilePermissions); err != nil {
		slog.Error("FileStore failed to rewrite ban list", "error", err, "path", s.bannedPath)
		return fmt.Errorf("failed to rewrite ban list: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path, so readers never observe a truncated file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, DefaultFilePermissions)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir makes a completed rename durable. Failures are logged only; some
// filesystems do not support syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		slog.Debug("FileStore could not open directory for sync", "error", err, "dir", dir)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		slog.Debug("FileStore directory sync failed", "error", err, "dir", dir)
	}
}
