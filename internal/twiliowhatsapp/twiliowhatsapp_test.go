package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/AnonRelay/internal/models"
	twilioclient "github.com/twilio/twilio-go/client"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.SendMedia(ctx, "12345", "https://example.com/a.jpg", "[ID1234567890]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := mock.Messages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", sent[0].Body)
	}
	if sent[1].MediaURL != "https://example.com/a.jpg" || sent[1].Body != "[ID1234567890]" {
		t.Errorf("unexpected media message: %+v", sent[1])
	}
}

func TestWhatsAppAddress(t *testing.T) {
	tests := []struct{ in, want string }{
		{"15551234567", "whatsapp:+15551234567"},
		{"+15551234567", "whatsapp:+15551234567"},
		{"whatsapp:+15551234567", "whatsapp:+15551234567"},
	}
	for _, tt := range tests {
		if got := WhatsAppAddress(tt.in); got != tt.want {
			t.Errorf("WhatsAppAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnreachable bool
	}{
		{"unsubscribed", &twilioclient.TwilioRestError{Code: 21610, Status: 400}, true},
		{"invalid number", &twilioclient.TwilioRestError{Code: 21211, Status: 400}, true},
		{"rate limited", &twilioclient.TwilioRestError{Code: 20429, Status: 429}, false},
		{"network", errors.New("dial tcp: timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError("123", tt.err)
			if got := errors.Is(err, models.ErrRecipientUnreachable); got != tt.wantUnreachable {
				t.Errorf("unreachable = %v, want %v (%v)", got, tt.wantUnreachable, err)
			}
			if !errors.Is(err, tt.err) {
				t.Error("original error must stay in the chain")
			}
		})
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without a from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}
