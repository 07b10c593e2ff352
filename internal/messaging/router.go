package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/AnonRelay/internal/admin"
	"github.com/BTreeMap/AnonRelay/internal/bans"
	"github.com/BTreeMap/AnonRelay/internal/identity"
	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/relay"
)

// Chat commands. Matching is case-insensitive and ignores a "@suffix".
const (
	CommandStart  = "/start"
	CommandBan    = "/ban"
	CommandUnban  = "/unban"
	CommandWhoAmI = "/whoami"
)

// TargetHint is sent to an administrator whose ban or unban names no target.
const TargetHint = "ℹ️ Reply to a relayed message or give an ID, e.g. /ban ID1234567890."

// Router dispatches inbound events: recognized commands are handled here,
// everything else goes through the relay engine.
type Router struct {
	engine *relay.Engine
	admin  *admin.Controller
	ids    *identity.Store
	bans   *bans.Registry
	wg     sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(engine *relay.Engine, ctrl *admin.Controller, ids *identity.Store, registry *bans.Registry) *Router {
	return &Router{engine: engine, admin: ctrl, ids: ids, bans: registry}
}

// Run consumes events until ctx is done or the channel closes, handling each
// in its own goroutine. It returns once all in-flight events finish.
func (r *Router) Run(ctx context.Context, events <-chan models.Event) {
	slog.Info("Router.Run: started")
	defer func() {
		r.wg.Wait()
		slog.Info("Router.Run: stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("Router.Run: events channel closed")
				return
			}
			r.wg.Add(1)
			go func(ev models.Event) {
				defer r.wg.Done()
				if err := r.Route(ctx, ev); err != nil {
					slog.Error("Router.Run: event failed", "event", ev.ID, "sender", ev.Sender, "error", err)
				}
			}(ev)
		}
	}
}

// parseCommand splits "/ban@relay ID123" into ("/ban", "ID123").
func parseCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.Fields(text)
	cmd = strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return cmd, arg, true
}

// Route handles one event.
func (r *Router) Route(ctx context.Context, ev models.Event) error {
	if ev.Content.Kind == models.KindText {
		if cmd, arg, ok := parseCommand(ev.Content.Text); ok {
			switch cmd {
			case CommandStart:
				return r.start(ctx, ev)
			case CommandWhoAmI:
				return r.whoAmI(ctx, ev)
			case CommandBan, CommandUnban:
				return r.moderate(ctx, ev, cmd, arg)
			}
		}
	}
	_, err := r.engine.Handle(ctx, ev)
	return err
}

func (r *Router) start(ctx context.Context, ev models.Event) error {
	banned, err := r.bans.IsBanned(ctx, ev.Sender)
	if err != nil {
		r.engine.Notify(ctx, ev.Sender, relay.NoticeTryLater)
		return fmt.Errorf("start: %w", err)
	}
	if banned {
		r.engine.Notify(ctx, ev.Sender, relay.NoticeBanned)
		return nil
	}
	rec, err := r.ids.EnsureUser(ctx, ev.Sender)
	if err != nil {
		r.engine.Notify(ctx, ev.Sender, relay.NoticeTryLater)
		return fmt.Errorf("start: %w", err)
	}
	slog.Info("Router.start: participant joined", "sender", ev.Sender, "pseudonym", rec.Pseudonym)
	r.engine.Notify(ctx, ev.Sender, relay.WelcomeNotice(rec.Pseudonym))
	return nil
}

func (r *Router) whoAmI(ctx context.Context, ev models.Event) error {
	rec, err := r.ids.EnsureUser(ctx, ev.Sender)
	if err != nil {
		r.engine.Notify(ctx, ev.Sender, relay.NoticeTryLater)
		return fmt.Errorf("whoami: %w", err)
	}
	r.engine.Notify(ctx, ev.Sender, "🪪 Your ID is "+relay.FormatTag(rec.Pseudonym)+".")
	return nil
}

// moderate runs /ban or /unban. Non-administrators get no reply so the
// commands stay undiscoverable.
func (r *Router) moderate(ctx context.Context, ev models.Event, cmd, arg string) error {
	if !r.admin.IsAdmin(ev.Sender) {
		slog.Debug("Router.moderate: ignoring command from non-admin", "sender", ev.Sender, "command", cmd)
		return nil
	}
	target, err := r.admin.ResolveTarget(ctx, arg, ev.ReplyText)
	if errors.Is(err, admin.ErrTargetNotFound) || errors.Is(err, models.ErrInvalidSenderID) {
		r.engine.Notify(ctx, ev.Sender, TargetHint)
		return nil
	}
	if err != nil {
		r.engine.Notify(ctx, ev.Sender, relay.NoticeTryLater)
		return fmt.Errorf("%s: %w", cmd, err)
	}

	verb := "banned"
	if cmd == CommandBan {
		err = r.admin.Ban(ctx, ev.Sender, target)
	} else {
		verb = "unbanned"
		err = r.admin.Unban(ctx, ev.Sender, target)
	}
	if err != nil {
		r.engine.Notify(ctx, ev.Sender, relay.NoticeTryLater)
		return fmt.Errorf("%s %s: %w", cmd, target, err)
	}
	r.engine.Notify(ctx, ev.Sender, fmt.Sprintf("✅ User %s %s.", target, verb))
	return nil
}
