// Package store provides storage backends for AnonRelay.
//
// Every backend persists one UserRecord per sender id and satisfies the same
// Backend contract, so the relay never needs to know which one is active.
// FileStore keeps state in local files; SQLiteStore, PostgresStore, RedisStore
// and S3Store keep one document (row, hash or object) per sender.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

// ErrNotFound is returned by Update when no record exists for the sender.
var ErrNotFound = errors.New("user record not found")

// Backend is the storage contract shared by all implementations.
type Backend interface {
	// Get returns the record for id, or nil and no error if none exists.
	Get(ctx context.Context, id models.SenderID) (*models.UserRecord, error)
	// Put fully replaces (or creates) the record for rec.SenderID.
	Put(ctx context.Context, rec models.UserRecord) error
	// Update applies a partial update. It fails with ErrNotFound if no record exists.
	Update(ctx context.Context, id models.SenderID, upd models.UserUpdate) error
	// ListAll returns every record written before the call. Order is unspecified.
	ListAll(ctx context.Context) ([]models.UserRecord, error)

	io.Closer
}

// Backend kinds accepted by Open.
const (
	KindFile     = "file"
	KindSQLite   = "sqlite3"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindS3       = "s3"
)

// Default file names used by FileStore.
const (
	DefaultUsersFile  = "users.json"
	DefaultBannedFile = "banned_users.txt"
)

// Opts holds configuration shared by the backend constructors.
type Opts struct {
	DSN string // directory (file), sqlite path, postgres DSN, redis URL or s3://bucket/prefix

	UsersFile  string // FileStore mapping file, relative to DSN unless absolute
	BannedFile string // FileStore ban list, relative to DSN unless absolute

	S3Region    string
	S3Endpoint  string // custom endpoint for S3-compatible services
	S3AccessKey string
	S3SecretKey string
}

// Option defines a configuration option for a storage backend.
type Option func(*Opts)

// WithDSN sets the backend location.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithFiles overrides the FileStore file names.
func WithFiles(usersFile, bannedFile string) Option {
	return func(o *Opts) {
		o.UsersFile = usersFile
		o.BannedFile = bannedFile
	}
}

// WithS3Credentials configures region, endpoint and static credentials for S3Store.
// Empty values fall back to the AWS default configuration chain.
func WithS3Credentials(region, endpoint, accessKey, secretKey string) Option {
	return func(o *Opts) {
		o.S3Region = region
		o.S3Endpoint = endpoint
		o.S3AccessKey = accessKey
		o.S3SecretKey = secretKey
	}
}

// DetectDSNType infers the backend kind from a DSN.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return KindPostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return KindRedis
	case strings.HasPrefix(lower, "s3://"):
		return KindS3
	case strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"),
		strings.HasSuffix(lower, ".sqlite3"):
		return KindSQLite
	case strings.Contains(lower, "host=") || (strings.Contains(lower, "=") && strings.Contains(lower, " ")):
		// key=value Postgres connection strings
		return KindPostgres
	default:
		return KindFile
	}
}

// Open constructs the backend of the given kind. An empty kind (or "auto")
// detects it from the DSN. Failure here must abort startup.
func Open(ctx context.Context, kind string, opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if kind == "" || kind == "auto" {
		kind = DetectDSNType(cfg.DSN)
		slog.Debug("store.Open: detected backend kind", "kind", kind)
	}

	switch kind {
	case KindFile:
		return NewFileStore(opts...)
	case KindSQLite, "sqlite":
		return NewSQLiteStore(ctx, opts...)
	case KindPostgres:
		return NewPostgresStore(ctx, opts...)
	case KindRedis:
		return NewRedisStore(ctx, opts...)
	case KindS3:
		return NewS3Store(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
