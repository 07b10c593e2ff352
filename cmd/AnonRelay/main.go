package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/admin"
	"github.com/BTreeMap/AnonRelay/internal/api"
	"github.com/BTreeMap/AnonRelay/internal/bans"
	"github.com/BTreeMap/AnonRelay/internal/identity"
	"github.com/BTreeMap/AnonRelay/internal/lockfile"
	"github.com/BTreeMap/AnonRelay/internal/messaging"
	"github.com/BTreeMap/AnonRelay/internal/relay"
	"github.com/BTreeMap/AnonRelay/internal/scheduler"
	"github.com/BTreeMap/AnonRelay/internal/store"
	"github.com/BTreeMap/AnonRelay/internal/throttle"
	"github.com/BTreeMap/AnonRelay/internal/twiliowhatsapp"
	"github.com/BTreeMap/AnonRelay/internal/util"
	"github.com/BTreeMap/AnonRelay/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AnonRelay state data
	DefaultStateDir = "/var/lib/anonrelay"
	// DefaultSQLiteFileName is used when the sqlite3 backend is selected without a DSN
	DefaultSQLiteFileName = "anonrelay.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session database in the state directory
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config, os.Args[1:])

	if flags.mintAdminToken != "" {
		token, err := api.MintAdminToken([]byte(flags.adminSecret), flags.mintAdminToken, api.DefaultAdminTokenTTL)
		if err != nil {
			slog.Error("Failed to mint admin token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping AnonRelay", "transport", flags.transport, "backend", flags.storageBackend, "state_dir", flags.stateDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("AnonRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AnonRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	StorageBackend string
	StorageDSN     string
	UsersFile      string
	BannedFile     string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string

	Transport        string
	WhatsAppDSN      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	APIAddr     string
	WebhookPath string

	MaxMessageLength int
	MaxMediaMB       int
	SpamInterval     time.Duration
	SendInterval     time.Duration
	SendTimeout      time.Duration
	FanoutWorkers    int

	Admins           []string
	AdminSecret      string
	ReassignOnStart  bool
	ReassignSchedule string
	LogLevel         string
}

// Flags holds resolved configuration after command line overrides.
type Flags struct {
	stateDir       string
	storageBackend string
	storageDSN     string
	transport      string
	whatsAppDSN    string
	qrOutput       string
	numeric        bool
	apiAddr        string
	webhookPath    string
	adminSecret    string
	reassign       bool
	reassignCron   string
	mintAdminToken string

	config Config
}

// initializeLogger sets up structured logging at the requested level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("ANONRELAY_STATE_DIR"),
		StorageBackend: os.Getenv("STORAGE_BACKEND"),
		StorageDSN:     os.Getenv("STORAGE_DSN"),
		UsersFile:      os.Getenv("USERS_FILE"),
		BannedFile:     os.Getenv("BANNED_FILE"),
		S3Region:       os.Getenv("S3_REGION"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),

		Transport:        strings.ToLower(os.Getenv("TRANSPORT")),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		APIAddr:     os.Getenv("API_ADDR"),
		WebhookPath: os.Getenv("WEBHOOK_PATH"),

		MaxMessageLength: util.ParseIntEnv("MAX_MESSAGE_LENGTH", relay.DefaultMaxMessageLength),
		MaxMediaMB:       util.ParseIntEnv("MAX_MEDIA_MB", relay.DefaultMaxMediaBytes/(1024*1024)),
		SpamInterval:     time.Duration(util.ParseIntEnv("SPAM_INTERVAL_MINUTES", int(throttle.DefaultSpamInterval/time.Minute))) * time.Minute,
		SendInterval:     time.Duration(util.ParseIntEnv("SEND_INTERVAL_SECONDS", int(throttle.DefaultSendInterval/time.Second))) * time.Second,
		SendTimeout:      time.Duration(util.ParseIntEnv("SEND_TIMEOUT_SECONDS", int(relay.DefaultSendTimeout/time.Second))) * time.Second,
		FanoutWorkers:    util.ParseIntEnv("FANOUT_WORKERS", relay.DefaultFanoutWorkers),

		Admins:           util.ParseListEnv("ADMINS"),
		AdminSecret:      os.Getenv("ADMIN_TOKEN_SECRET"),
		ReassignOnStart:  util.ParseBoolEnv("REASSIGN_ON_START", false),
		ReassignSchedule: os.Getenv("REASSIGN_SCHEDULE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ANONRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.StorageBackend == "" {
		config.StorageBackend = "auto"
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsApp
	}
	if config.APIAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			config.APIAddr = ":" + port
		} else {
			config.APIAddr = api.DefaultAddr
		}
	}
	if config.WebhookPath == "" {
		config.WebhookPath = api.DefaultWebhookPath
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	slog.Debug("environment variables loaded",
		"ANONRELAY_STATE_DIR", config.StateDir,
		"STORAGE_BACKEND", config.StorageBackend,
		"STORAGE_DSN_SET", config.StorageDSN != "",
		"TRANSPORT", config.Transport,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"API_ADDR", config.APIAddr,
		"ADMINS", len(config.Admins),
		"ADMIN_TOKEN_SECRET_SET", config.AdminSecret != "",
		"REASSIGN_ON_START", config.ReassignOnStart,
		"REASSIGN_SCHEDULE", config.ReassignSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) Flags {
	fs := flag.NewFlagSet("AnonRelay", flag.ExitOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for AnonRelay data (overrides $ANONRELAY_STATE_DIR)")
	backend := fs.String("storage-backend", config.StorageBackend, "storage backend: auto|file|sqlite3|postgres|redis|s3 (overrides $STORAGE_BACKEND)")
	dsn := fs.String("storage-dsn", config.StorageDSN, "storage location or connection string (overrides $STORAGE_DSN)")
	transport := fs.String("transport", config.Transport, "chat transport: whatsapp|twilio (overrides $TRANSPORT)")
	waDSN := fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	qrOutput := fs.String("qr-output", "", "path to write login QR code")
	numeric := fs.Bool("numeric-code", false, "use numeric login code instead of QR code")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	webhookPath := fs.String("webhook-path", config.WebhookPath, "path prefix for inbound webhooks (overrides $WEBHOOK_PATH)")
	adminSecret := fs.String("admin-token-secret", config.AdminSecret, "signing key for admin API tokens (overrides $ADMIN_TOKEN_SECRET)")
	reassign := fs.Bool("reassign-on-start", config.ReassignOnStart, "assign fresh pseudonyms to everyone at startup (overrides $REASSIGN_ON_START)")
	reassignCron := fs.String("reassign-schedule", config.ReassignSchedule, "cron expression for recurring pseudonym reassignment (overrides $REASSIGN_SCHEDULE)")
	mint := fs.String("mint-admin-token", "", "print an admin API token for the given sender id and exit")
	_ = fs.Parse(args)

	flags := Flags{
		stateDir:       *stateDir,
		storageBackend: strings.ToLower(*backend),
		storageDSN:     *dsn,
		transport:      strings.ToLower(*transport),
		whatsAppDSN:    *waDSN,
		qrOutput:       *qrOutput,
		numeric:        *numeric,
		apiAddr:        *apiAddr,
		webhookPath:    *webhookPath,
		adminSecret:    *adminSecret,
		reassign:       *reassign,
		reassignCron:   *reassignCron,
		mintAdminToken: *mint,
		config:         config,
	}

	if flags.storageDSN == "" {
		flags.storageDSN = flags.stateDir
	}
	if flags.storageBackend == "" || flags.storageBackend == "auto" {
		flags.storageBackend = store.DetectDSNType(flags.storageDSN)
	}
	if flags.storageBackend == store.KindSQLite && flags.storageDSN == flags.stateDir {
		flags.storageDSN = filepath.Join(flags.stateDir, DefaultSQLiteFileName)
	}
	if flags.whatsAppDSN == "" {
		flags.whatsAppDSN = "file:" + filepath.Join(flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"storageBackend", flags.storageBackend,
		"transport", flags.transport,
		"apiAddr", flags.apiAddr,
		"webhookPath", flags.webhookPath,
		"reassign", flags.reassign,
		"reassignSchedule", flags.reassignCron)
	return flags
}

// needsStateLock reports whether the backend keeps state in the local state directory.
func needsStateLock(kind string) bool {
	return kind == store.KindFile || kind == store.KindSQLite
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	c := flags.config
	opts := []store.Option{store.WithDSN(flags.storageDSN)}
	if c.UsersFile != "" || c.BannedFile != "" {
		opts = append(opts, store.WithFiles(c.UsersFile, c.BannedFile))
	}
	if flags.storageBackend == store.KindS3 {
		opts = append(opts, store.WithS3Credentials(c.S3Region, c.S3Endpoint, c.S3AccessKey, c.S3SecretKey))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.whatsAppDSN)}
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildThrottleOptions constructs rate limiter options
func buildThrottleOptions(flags Flags) []throttle.Option {
	return []throttle.Option{
		throttle.WithSpamInterval(flags.config.SpamInterval),
		throttle.WithSendInterval(flags.config.SendInterval),
	}
}

// buildRelayOptions constructs broadcast engine options
func buildRelayOptions(flags Flags) []relay.Option {
	c := flags.config
	return []relay.Option{
		relay.WithMaxMessageLength(c.MaxMessageLength),
		relay.WithMaxMediaBytes(int64(c.MaxMediaMB) * 1024 * 1024),
		relay.WithSendTimeout(c.SendTimeout),
		relay.WithFanoutWorkers(c.FanoutWorkers),
		relay.WithRegisterer(prometheus.DefaultRegisterer),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(flags.apiAddr),
		api.WithWebhookPath(flags.webhookPath),
	}
	if flags.adminSecret != "" {
		apiOpts = append(apiOpts, api.WithAdminSecret([]byte(flags.adminSecret)))
	}
	return apiOpts
}

// newTransport builds the configured chat transport. The Twilio service is
// also returned so its webhook can be mounted.
func newTransport(ctx context.Context, flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch flags.transport {
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportTwilio:
		c := flags.config
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(c.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(c.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(c.TwilioFrom),
		)
		if err != nil {
			return nil, nil, err
		}
		var opts []messaging.TwilioOption
		if c.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(c.TwilioWebhookURL, c.TwilioAuthToken))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not verified")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", flags.transport)
	}
}

// newReassignScheduler schedules recurring pseudonym reassignment, or
// returns nil when no schedule is configured.
func newReassignScheduler(engine *relay.Engine, expr string) (*scheduler.Scheduler, error) {
	if expr == "" {
		return nil, nil
	}
	sched := scheduler.New()
	err := sched.AddJob("reassign pseudonyms", expr, func(ctx context.Context) {
		sweepCtx, cancel := context.WithTimeout(ctx, relay.DefaultSweepTimeout)
		defer cancel()
		res, err := engine.ReassignAll(sweepCtx)
		if err != nil {
			slog.Error("Scheduled pseudonym reassignment failed", "error", err, "reassigned", res.Reassigned)
			return
		}
		slog.Info("Scheduled pseudonym reassignment finished", "reassigned", res.Reassigned, "failed", res.Failed)
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if needsStateLock(flags.storageBackend) {
		lock, err := lockfile.AcquireLock(flags.stateDir, lockfile.WithOwner(flags.storageBackend))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	backend, err := store.Open(ctx, flags.storageBackend, buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", flags.storageBackend, err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			slog.Error("Failed to close storage backend", "error", cerr)
		}
	}()

	svc, twilioSvc, err := newTransport(ctx, flags)
	if err != nil {
		return fmt.Errorf("init %s transport: %w", flags.transport, err)
	}

	ids := identity.New(backend)
	registry := bans.New(backend, ids)
	limiter := throttle.New(buildThrottleOptions(flags)...)
	engine := relay.NewEngine(backend, ids, registry, limiter, svc, buildRelayOptions(flags)...)
	ctrl := admin.New(flags.config.Admins, registry, ids)
	router := messaging.NewRouter(engine, ctrl, ids, registry)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start %s transport: %w", flags.transport, err)
	}
	go limiter.Run(ctx, throttle.DefaultPruneInterval)

	sched, err := newReassignScheduler(engine, flags.reassignCron)
	if err != nil {
		svc.Stop()
		return err
	}
	if sched != nil {
		go sched.Run(ctx)
	}
	if flags.reassign {
		engine.StartReassignSweep(ctx, relay.DefaultSweepTimeout)
	}

	routerDone := make(chan struct{})
	go func() {
		router.Run(ctx, svc.Events())
		close(routerDone)
	}()

	server := api.NewServer(ctrl, twilioSvc, buildAPIOptions(flags)...)
	serveErr := server.Run(ctx)

	if err := svc.Stop(); err != nil {
		slog.Error("Failed to stop transport", "error", err)
	}
	<-routerDone
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
