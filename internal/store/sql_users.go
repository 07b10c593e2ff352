package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

// sqlUsers implements the Backend operations over the relay_users table.
// SQLiteStore and PostgresStore differ only in placeholder syntax.
type sqlUsers struct {
	db   *sql.DB
	name string             // store name used in log messages
	bind func(n int) string // returns the n-th (1-based) placeholder
}

func (s *sqlUsers) Get(ctx context.Context, id models.SenderID) (*models.UserRecord, error) {
	query := fmt.Sprintf(`SELECT sender_id, anon_id, banned, created_at FROM relay_users WHERE sender_id = %s`, s.bind(1))

	var rec models.UserRecord
	err := s.db.QueryRowContext(ctx, query, string(id)).Scan(&rec.SenderID, &rec.Pseudonym, &rec.Banned, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" Get not found", "sender", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" Get failed", "error", err, "sender", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &rec, nil
}

func (s *sqlUsers) Put(ctx context.Context, rec models.UserRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO relay_users (sender_id, anon_id, banned, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (sender_id) DO UPDATE SET
			anon_id = excluded.anon_id,
			banned = excluded.banned,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5))

	_, err := s.db.ExecContext(ctx, query, string(rec.SenderID), rec.Pseudonym, rec.Banned, rec.CreatedAt, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+" Put failed", "error", err, "sender", rec.SenderID)
		return fmt.Errorf("failed to put user %s: %w", rec.SenderID, err)
	}
	slog.Debug(s.name+" Put succeeded", "sender", rec.SenderID)
	return nil
}

func (s *sqlUsers) Update(ctx context.Context, id models.SenderID, upd models.UserUpdate) error {
	sets := []string{}
	args := []interface{}{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = %s", column, s.bind(len(args))))
	}
	if upd.Pseudonym != nil {
		add("anon_id", *upd.Pseudonym)
	}
	if upd.Banned != nil {
		add("banned", *upd.Banned)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, string(id))

	query := fmt.Sprintf(`UPDATE relay_users SET %s WHERE sender_id = %s`, strings.Join(sets, ", "), s.bind(len(args)))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error(s.name+" Update failed", "error", err, "sender", id)
		return fmt.Errorf("failed to update user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	slog.Debug(s.name+" Update succeeded", "sender", id)
	return nil
}

func (s *sqlUsers) ListAll(ctx context.Context) ([]models.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sender_id, anon_id, banned, created_at FROM relay_users ORDER BY sender_id`)
	if err != nil {
		slog.Error(s.name+" ListAll query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var records []models.UserRecord
	for rows.Next() {
		var rec models.UserRecord
		if err := rows.Scan(&rec.SenderID, &rec.Pseudonym, &rec.Banned, &rec.CreatedAt); err != nil {
			slog.Error(s.name+" ListAll scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error(s.name+" ListAll rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	slog.Debug(s.name+" ListAll succeeded", "count", len(records))
	return records, nil
}

func (s *sqlUsers) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
