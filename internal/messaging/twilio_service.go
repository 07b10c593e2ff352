package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/twiliowhatsapp"
	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"
)

// emptyTwiML acknowledges a webhook without replying in-band.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioOpts configures a TwilioService.
type TwilioOpts struct {
	WebhookURL string
	AuthToken  string
	Now        func() time.Time
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithWebhookValidation enables X-Twilio-Signature checks. publicURL must be
// the exact URL Twilio is configured to call.
func WithWebhookValidation(publicURL, authToken string) TwilioOption {
	return func(o *TwilioOpts) {
		o.WebhookURL = publicURL
		o.AuthToken = authToken
	}
}

// WithTwilioClock overrides the receive timestamp source.
func WithTwilioClock(now func() time.Time) TwilioOption {
	return func(o *TwilioOpts) {
		o.Now = now
	}
}

// TwilioService implements Service using the Twilio API for sends and a
// webhook for inbound messages.
type TwilioService struct {
	client     twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	validator  *twilioclient.RequestValidator
	webhookURL string
	now        func() time.Time
	events     chan models.Event
	mu         sync.RWMutex
	stopped    bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService wrapping the given Sender.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	cfg := TwilioOpts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &TwilioService{
		client:     client,
		webhookURL: cfg.WebhookURL,
		now:        cfg.Now,
		events:     make(chan models.Event, DefaultChannelBufferSize),
	}
	if cfg.AuthToken != "" && cfg.WebhookURL != "" {
		v := twilioclient.NewRequestValidator(cfg.AuthToken)
		s.validator = &v
		slog.Debug("TwilioService webhook signature validation enabled", "url", cfg.WebhookURL)
	}
	return s
}

// Start is a no-op; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Debug("TwilioService started")
	return nil
}

// Stop closes the events channel. Subsequent webhooks are acknowledged and dropped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.events)
	slog.Info("TwilioService stopped")
	return nil
}

// Events returns a channel of inbound messages.
func (s *TwilioService) Events() <-chan models.Event {
	return s.events
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *TwilioService) SendText(ctx context.Context, to models.SenderID, text string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendMessage(ctx, string(to), text)
}

// sendMedia forwards by URL. Inbound Twilio media refs are the MediaUrl the
// webhook supplied.
func (s *TwilioService) sendMedia(ctx context.Context, to models.SenderID, media models.Media, caption string, want models.ContentKind) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := checkMediaKind(media, want); err != nil {
		return err
	}
	return s.client.SendMedia(ctx, string(to), media.Ref, caption)
}

func (s *TwilioService) SendPhoto(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindPhoto)
}

func (s *TwilioService) SendVideo(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindVideo)
}

func (s *TwilioService) SendDocument(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindDocument)
}

func (s *TwilioService) SendAnimation(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindAnimation)
}

func (s *TwilioService) SendVoice(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindVoice)
}

func (s *TwilioService) SendAudio(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return s.sendMedia(ctx, to, media, caption, models.KindAudio)
}

func (s *TwilioService) SendSticker(ctx context.Context, to models.SenderID, media models.Media) error {
	return s.sendMedia(ctx, to, media, "", models.KindSticker)
}

// kindForContentType maps a Twilio MediaContentType to a content kind.
func kindForContentType(contentType string) models.ContentKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "image/webp":
		return models.KindSticker
	case ct == "image/gif":
		return models.KindAnimation
	case strings.HasPrefix(ct, "image/"):
		return models.KindPhoto
	case strings.HasPrefix(ct, "video/"):
		return models.KindVideo
	case ct == "audio/ogg":
		return models.KindVoice
	case strings.HasPrefix(ct, "audio/"):
		return models.KindAudio
	default:
		return models.KindDocument
	}
}

// validSignature checks X-Twilio-Signature against the posted form.
func (s *TwilioService) validSignature(r *http.Request) bool {
	if s.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature"))
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Event into the Events() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if !s.validSignature(r) {
		slog.Warn("TwilioService rejected webhook with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	sender, err := models.ParseSenderID(r.PostFormValue("From"))
	if err != nil {
		slog.Warn("TwilioService webhook missing sender", "from", r.PostFormValue("From"))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	body := r.PostFormValue("Body")
	var content models.Content // unsupported payloads (locations, contacts) stay KindUnknown
	if body != "" {
		content = models.TextContent(body)
	}
	if n, _ := strconv.Atoi(r.PostFormValue("NumMedia")); n > 0 {
		contentType := r.PostFormValue("MediaContentType0")
		content = models.MediaContent(models.Media{
			Kind:     kindForContentType(contentType),
			Ref:      r.PostFormValue("MediaUrl0"),
			MimeType: contentType,
		}, body)
		if n > 1 {
			slog.Debug("TwilioService relaying first media item only", "sender", sender, "num_media", n)
		}
	}

	id := r.PostFormValue("MessageSid")
	if id == "" {
		id = uuid.NewString()
	}
	s.emit(models.Event{
		ID:         id,
		Sender:     sender,
		Content:    content,
		ReceivedAt: s.now(),
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *TwilioService) emit(event models.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "sender", event.Sender)
		return
	}
	select {
	case s.events <- event:
		slog.Debug("TwilioService emitted inbound message", "sender", event.Sender, "kind", event.Content.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping message", "sender", event.Sender)
	}
}
