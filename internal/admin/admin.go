// Package admin exposes the privileged ban/unban operations. Callers are
// authorized against a fixed set of administrator sender ids.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/AnonRelay/internal/bans"
	"github.com/BTreeMap/AnonRelay/internal/identity"
	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/util"
)

var (
	// ErrNotAdmin is returned when the caller is not an administrator.
	ErrNotAdmin = errors.New("caller is not an administrator")
	// ErrTargetNotFound is returned when no sender matches the requested target.
	ErrTargetNotFound = errors.New("target not found")
)

// tagPattern finds a relayed pseudonym tag such as "[ID1234567890]".
const whatsAppScheme = "whatsapp:"

var tagPattern = regexp.MustCompile(`\[(` + util.PseudonymPrefix + `[1-9][0-9]{` + fmt.Sprint(util.PseudonymDigits-1) + `})\]`)

// Controller gates ban and unban behind the administrator set.
type Controller struct {
	admins   map[models.SenderID]struct{}
	registry *bans.Registry
	ids      *identity.Store
}

// New creates a Controller. Invalid admin ids are skipped with a warning.
func New(admins []string, registry *bans.Registry, ids *identity.Store) *Controller {
	set := make(map[models.SenderID]struct{}, len(admins))
	for _, raw := range admins {
		id, err := models.ParseSenderID(raw)
		if err != nil {
			slog.Warn("admin.New: skipping invalid admin id", "value", raw, "error", err)
			continue
		}
		set[id] = struct{}{}
	}
	slog.Debug("admin.New: administrators configured", "count", len(set))
	return &Controller{admins: set, registry: registry, ids: ids}
}

// IsAdmin reports whether id is an administrator.
func (c *Controller) IsAdmin(id models.SenderID) bool {
	_, ok := c.admins[id]
	return ok
}

// ResolveTarget turns a command argument into a sender id. The argument may be
// a pseudonym, optionally in brackets, or a raw sender id. An empty argument
// falls back to the first pseudonym tag found in quoted.
func (c *Controller) ResolveTarget(ctx context.Context, arg, quoted string) (models.SenderID, error) {
	arg = strings.Trim(strings.TrimSpace(arg), "[]")
	if arg == "" {
		m := tagPattern.FindStringSubmatch(quoted)
		if m == nil {
			return "", ErrTargetNotFound
		}
		arg = m[1]
	}

	if len(arg) >= len(util.PseudonymPrefix) && strings.EqualFold(arg[:len(util.PseudonymPrefix)], util.PseudonymPrefix) {
		arg = util.PseudonymPrefix + arg[len(util.PseudonymPrefix):]
		if !util.IsPseudonym(arg) {
			return "", fmt.Errorf("%s: malformed pseudonym: %w", arg, ErrTargetNotFound)
		}
		rec, err := c.ids.FindByPseudonym(ctx, arg)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", fmt.Errorf("%s: %w", arg, ErrTargetNotFound)
		}
		return rec.SenderID, nil
	}

	id, ok := parseRawTarget(arg)
	if !ok {
		return "", fmt.Errorf("%s: %w", arg, ErrTargetNotFound)
	}
	return id, nil
}

// parseRawTarget accepts a sender id typed by an admin: digits only, with an
// optional "whatsapp:" scheme and leading "+".
func parseRawTarget(arg string) (models.SenderID, bool) {
	if len(arg) >= len(whatsAppScheme) && strings.EqualFold(arg[:len(whatsAppScheme)], whatsAppScheme) {
		arg = arg[len(whatsAppScheme):]
	}
	arg = strings.TrimPrefix(arg, "+")
	if arg == "" {
		return "", false
	}
	for i := 0; i < len(arg); i++ {
		if arg[i] < '0' || arg[i] > '9' {
			return "", false
		}
	}
	return models.SenderID(arg), true
}

// Ban bans target on behalf of caller.
func (c *Controller) Ban(ctx context.Context, caller, target models.SenderID) error {
	if !c.IsAdmin(caller) {
		slog.Warn("Controller.Ban: refused non-admin", "caller", caller)
		return ErrNotAdmin
	}
	slog.Info("Controller.Ban", "caller", caller, "target", target)
	return c.registry.Ban(ctx, target)
}

// Unban lifts the ban on target on behalf of caller.
func (c *Controller) Unban(ctx context.Context, caller, target models.SenderID) error {
	if !c.IsAdmin(caller) {
		slog.Warn("Controller.Unban: refused non-admin", "caller", caller)
		return ErrNotAdmin
	}
	slog.Info("Controller.Unban", "caller", caller, "target", target)
	return c.registry.Unban(ctx, target)
}
