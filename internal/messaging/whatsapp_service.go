package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the events channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	events   chan models.Event
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: make(chan models.Event, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService disconnected from WhatsApp")
		case *events.Connected:
			slog.Info("WhatsAppService connected to WhatsApp")
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop disconnects and closes the events channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	close(s.events)
	slog.Info("WhatsAppService stopped")
	return nil
}

// Events returns a channel of inbound messages.
func (s *WhatsAppService) Events() <-chan models.Event {
	return s.events
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *WhatsAppService) SendText(ctx context.Context, to models.SenderID, text string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendText(ctx, string(to), text)
}

func (s *WhatsAppService) sendMedia(ctx context.Context, to models.SenderID, media models.Media, caption string, want models.ContentKind) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := checkMediaKind(media, want); err != nil {
		return err
	}
	return s.client.SendMedia(ctx, string(to), media, caption)
}

func (s *WhatsAppService) SendPhoto(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindPhoto)
}

func (s *WhatsAppService) SendVideo(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindVideo)
}

func (s *WhatsAppService) SendDocument(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindDocument)
}

func (s *WhatsAppService) SendAnimation(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindAnimation)
}

func (s *WhatsAppService) SendVoice(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindVoice)
}

func (s *WhatsAppService) SendAudio(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindAudio)
}

func (s *WhatsAppService) SendSticker(ctx context.Context, to models.SenderID, media models.Media) error {
	return s.sendMedia(ctx, to, media, "", models.KindSticker)
}

// handleIncomingMessage converts a direct message into an Event. Group
// messages and our own messages are ignored.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	sender, err := models.ParseSenderID(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService ignoring message with unusable sender", "sender", evt.Info.Sender.String())
		return
	}

	content, quoted := whatsapp.ParseMessage(evt.Message)
	event := models.Event{
		ID:         string(evt.Info.ID),
		Sender:     sender,
		Content:    content,
		ReplyText:  quoted,
		ReceivedAt: evt.Info.Timestamp,
	}
	slog.Debug("WhatsAppService processing incoming message", "sender", sender, "kind", content.Kind)
	s.emit(event)
}

func (s *WhatsAppService) emit(event models.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "sender", event.Sender)
		return
	}
	select {
	case s.events <- event:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping message", "sender", event.Sender, "timeout", DefaultChannelTimeout)
	}
}
