// Package relay implements the broadcast engine: admission of inbound events
// and best-effort fan-out of admitted ones to every other participant.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/AnonRelay/internal/bans"
	"github.com/BTreeMap/AnonRelay/internal/identity"
	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/store"
	"github.com/BTreeMap/AnonRelay/internal/throttle"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ErrStorage marks a refusal caused by the storage backend rather than policy.
var ErrStorage = errors.New("storage unavailable")

const (
	DefaultMaxMessageLength = 250
	DefaultMaxMediaBytes    = 20 * 1024 * 1024
	DefaultSendTimeout      = 10 * time.Second
	DefaultFanoutWorkers    = 8
)

// Transport delivers payloads to a single recipient. Implementations return an
// error wrapping models.ErrRecipientUnreachable when the recipient has blocked
// the relay or cannot be reached at all.
type Transport interface {
	SendText(ctx context.Context, to models.SenderID, text string) error
	SendPhoto(ctx context.Context, to models.SenderID, media models.Media, caption string) error
	SendVideo(ctx context.Context, to models.SenderID, media models.Media, caption string) error
	SendDocument(ctx context.Context, to models.SenderID, media models.Media, caption string) error
	SendAnimation(ctx context.Context, to models.SenderID, media models.Media, caption string) error
	SendVoice(ctx context.Context, to models.SenderID, media models.Media, caption string) error
	SendAudio(ctx context.Context, to models.SenderID, media models.Media, caption string) error
	SendSticker(ctx context.Context, to models.SenderID, media models.Media) error
}

// Opts configures an Engine.
type Opts struct {
	MaxMessageLength int
	MaxMediaBytes    int64
	SendTimeout      time.Duration
	FanoutWorkers    int
	Now              func() time.Time
	Registerer       prometheus.Registerer
}

// Option configures an Engine.
type Option func(*Opts)

// WithMaxMessageLength sets the maximum text/caption length in characters.
// Zero disables the check.
func WithMaxMessageLength(n int) Option {
	return func(o *Opts) { o.MaxMessageLength = n }
}

// WithMaxMediaBytes sets the maximum reported media size. Zero disables the check.
func WithMaxMediaBytes(n int64) Option {
	return func(o *Opts) { o.MaxMediaBytes = n }
}

// WithSendTimeout bounds each individual transport call.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithFanoutWorkers sets how many recipients are sent to concurrently.
func WithFanoutWorkers(n int) Option {
	return func(o *Opts) { o.FanoutWorkers = n }
}

// WithClock overrides the clock used for throttling.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithRegisterer sets where metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Opts) { o.Registerer = reg }
}

// Result summarises how one event was handled.
type Result struct {
	Reason      models.RejectReason // RejectNone when admitted
	Dropped     bool                // content kind not forwarded
	Pseudonym   string
	Recipients  int
	Delivered   int
	Unreachable int
	Failed      int
}

// Admitted reports whether the event passed admission and was fanned out.
func (r Result) Admitted() bool {
	return !r.Dropped && r.Reason == models.RejectNone
}

// Engine orchestrates admission and fan-out.
type Engine struct {
	backend   store.Backend
	ids       *identity.Store
	bans      *bans.Registry
	limiter   *throttle.Limiter
	transport Transport
	cfg       Opts
	metrics   *metrics
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(backend store.Backend, ids *identity.Store, registry *bans.Registry, limiter *throttle.Limiter, transport Transport, opts ...Option) *Engine {
	cfg := Opts{
		MaxMessageLength: DefaultMaxMessageLength,
		MaxMediaBytes:    DefaultMaxMediaBytes,
		SendTimeout:      DefaultSendTimeout,
		FanoutWorkers:    DefaultFanoutWorkers,
		Now:              time.Now,
		Registerer:       prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxMessageLength < 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.MaxMediaBytes < 0 {
		cfg.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 1
	}
	return &Engine{
		backend:   backend,
		ids:       ids,
		bans:      registry,
		limiter:   limiter,
		transport: transport,
		cfg:       cfg,
		metrics:   newMetrics(cfg.Registerer),
	}
}

// Handle runs one inbound event through admission and, if admitted, fans it
// out. Policy refusals are reported to the sender and returned in Result with
// a nil error. Storage failures refuse the event and return an error wrapping
// ErrStorage.
func (e *Engine) Handle(ctx context.Context, ev models.Event) (Result, error) {
	kind := ev.Content.Kind
	e.metrics.events.WithLabelValues(string(kind)).Inc()

	banned, err := e.bans.IsBanned(ctx, ev.Sender)
	if err != nil {
		return e.storageFailure(ctx, ev, "ban check", err)
	}
	if banned {
		return e.reject(ctx, ev, Result{Reason: models.RejectBanned}), nil
	}

	rec, err := e.ids.EnsureUser(ctx, ev.Sender)
	if err != nil {
		return e.storageFailure(ctx, ev, "ensure user", err)
	}
	res := Result{Pseudonym: rec.Pseudonym}

	if !ev.Content.Valid() {
		slog.Debug("Engine.Handle: dropping unsupported content", "event", ev.ID, "sender", ev.Sender, "kind", kind)
		res.Dropped = true
		return res, nil
	}

	normalized := ev.Content.Normalized()
	if e.cfg.MaxMessageLength > 0 && kind.IsTextLike() && utf8.RuneCountInString(normalized) > e.cfg.MaxMessageLength {
		res.Reason = models.RejectTooLong
		return e.reject(ctx, ev, res), nil
	}
	if m := ev.Content.Media; m != nil && e.cfg.MaxMediaBytes > 0 && m.Size > e.cfg.MaxMediaBytes {
		res.Reason = models.RejectMediaTooLarge
		return e.reject(ctx, ev, res), nil
	}
	if reason := e.limiter.Admit(ev.Sender, kind, normalized, e.cfg.Now()); reason != models.RejectNone {
		res.Reason = reason
		return e.reject(ctx, ev, res), nil
	}

	records, err := e.backend.ListAll(ctx)
	if err != nil {
		return e.storageFailure(ctx, ev, "list recipients", err)
	}
	recipients := make([]models.SenderID, 0, len(records))
	for _, r := range records {
		if r.Banned || r.SenderID == ev.Sender {
			continue
		}
		recipients = append(recipients, r.SenderID)
	}

	slog.Info("Engine.Handle: broadcasting", "event", ev.ID, "sender", ev.Sender, "pseudonym", rec.Pseudonym,
		"kind", kind, "length", utf8.RuneCountInString(normalized), "recipients", len(recipients))
	e.fanOut(ctx, ev, rec.Pseudonym, recipients, &res)
	return res, nil
}

// fanOut attempts delivery to every recipient. Failures are logged and
// counted; they never stop the remaining sends.
func (e *Engine) fanOut(ctx context.Context, ev models.Event, pseudonym string, recipients []models.SenderID, res *Result) {
	start := time.Now()
	outcomes := make([]string, len(recipients))

	var g errgroup.Group
	g.SetLimit(e.cfg.FanoutWorkers)
	for i, to := range recipients {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()

			err := e.deliver(sendCtx, to, ev.Content, pseudonym)
			switch {
			case err == nil:
				outcomes[i] = outcomeDelivered
			case errors.Is(err, models.ErrRecipientUnreachable):
				slog.Warn("Engine.fanOut: recipient unreachable, skipping", "event", ev.ID, "recipient", to, "error", err)
				outcomes[i] = outcomeUnreachable
			default:
				slog.Error("Engine.fanOut: delivery failed, skipping", "event", ev.ID, "recipient", to, "error", err)
				outcomes[i] = outcomeFailed
			}
			return nil
		})
	}
	g.Wait()

	res.Recipients = len(recipients)
	for _, o := range outcomes {
		switch o {
		case outcomeDelivered:
			res.Delivered++
		case outcomeUnreachable:
			res.Unreachable++
		default:
			res.Failed++
		}
		e.metrics.deliveries.WithLabelValues(o).Inc()
	}
	e.metrics.fanout.Observe(time.Since(start).Seconds())
	slog.Debug("Engine.fanOut: done", "event", ev.ID, "delivered", res.Delivered, "unreachable", res.Unreachable, "failed", res.Failed)
}

// deliver sends content to one recipient using the primitive for its kind.
func (e *Engine) deliver(ctx context.Context, to models.SenderID, c models.Content, pseudonym string) error {
	tag := FormatTag(pseudonym)
	if c.Kind == models.KindText {
		return e.transport.SendText(ctx, to, tag+"\n"+c.Normalized())
	}

	media := *c.Media
	caption := tag
	if c.Kind == models.KindCaption {
		caption = tag + "\n" + c.Normalized()
	}
	switch media.Kind {
	case models.KindPhoto:
		return e.transport.SendPhoto(ctx, to, media, caption)
	case models.KindVideo:
		return e.transport.SendVideo(ctx, to, media, caption)
	case models.KindDocument:
		return e.transport.SendDocument(ctx, to, media, caption)
	case models.KindAnimation:
		return e.transport.SendAnimation(ctx, to, media, caption)
	case models.KindVoice:
		return e.transport.SendVoice(ctx, to, media, caption)
	case models.KindAudio:
		return e.transport.SendAudio(ctx, to, media, caption)
	case models.KindSticker:
		return e.transport.SendSticker(ctx, to, media)
	default:
		return fmt.Errorf("unsupported media kind %q", media.Kind)
	}
}

// FormatTag renders the pseudonym prefix shown on relayed content.
func FormatTag(pseudonym string) string {
	return "[" + pseudonym + "]"
}

func (e *Engine) reject(ctx context.Context, ev models.Event, res Result) Result {
	e.metrics.rejections.WithLabelValues(res.Reason.String()).Inc()
	slog.Info("Engine.Handle: event refused", "event", ev.ID, "sender", ev.Sender, "reason", res.Reason)
	e.Notify(ctx, ev.Sender, e.Notice(res.Reason))
	return res
}

func (e *Engine) storageFailure(ctx context.Context, ev models.Event, step string, err error) (Result, error) {
	e.metrics.rejections.WithLabelValues("storage").Inc()
	slog.Error("Engine.Handle: storage failure, refusing event", "event", ev.ID, "sender", ev.Sender, "step", step, "error", err)
	e.Notify(ctx, ev.Sender, NoticeTryLater)
	return Result{}, fmt.Errorf("%w: %s: %w", ErrStorage, step, err)
}

// Notify sends a plain text notice to one participant. Failures are logged only.
func (e *Engine) Notify(ctx context.Context, to models.SenderID, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	if err := e.transport.SendText(sendCtx, to, text); err != nil {
		slog.Warn("Engine.Notify: notice not delivered", "recipient", to, "error", err)
	}
}
