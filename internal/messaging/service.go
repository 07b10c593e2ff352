// Package messaging connects chat transports to the relay: it adapts each
// transport to the relay's send primitives, turns inbound messages into
// events, and routes commands.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/relay"
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a pluggable chat transport.
type Service interface {
	relay.Transport

	// Start begins any background processing (e.g., receiving events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Events channel.
	Stop() error

	// Events returns a channel of inbound messages.
	Events() <-chan models.Event
}

func checkMediaKind(media models.Media, want models.ContentKind) error {
	if media.Kind != want {
		return fmt.Errorf("media kind %q sent as %q", media.Kind, want)
	}
	return nil
}
