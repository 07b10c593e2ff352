package models

import (
	"errors"
	"strings"
	"time"
)

// ErrRecipientUnreachable marks a delivery failure caused by the recipient
// (blocked the relay, unsubscribed, unknown number). Transports wrap their
// platform-specific errors with it so the relay can tell them apart.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// ContentKind tags the variant carried by an inbound event.
type ContentKind string

const (
	// KindUnknown marks content the relay does not forward.
	KindUnknown ContentKind = ""
	// KindText is a plain text message.
	KindText ContentKind = "text"
	// KindCaption is a media message with a caption; the media kind is in Content.Media.
	KindCaption   ContentKind = "caption"
	KindPhoto     ContentKind = "photo"
	KindVideo     ContentKind = "video"
	KindDocument  ContentKind = "document"
	KindSticker   ContentKind = "sticker"
	KindAnimation ContentKind = "animation"
	KindVoice     ContentKind = "voice"
	KindAudio     ContentKind = "audio"
)

// IsTextLike reports whether the kind carries user-written text.
func (k ContentKind) IsTextLike() bool {
	return k == KindText || k == KindCaption
}

// IsMedia reports whether k is one of the opaque media kinds.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindPhoto, KindVideo, KindDocument, KindSticker, KindAnimation, KindVoice, KindAudio:
		return true
	default:
		return false
	}
}

// Media is an opaque, transport-specific reference to a media payload.
type Media struct {
	Kind     ContentKind `json:"kind"`
	Ref      string      `json:"ref"`
	Size     int64       `json:"size,omitempty"` // bytes; 0 when the transport does not report it
	MimeType string      `json:"mime_type,omitempty"`
}

// Content is the tagged variant of an inbound message body.
//
//	KindText:    Text set, Media nil
//	KindCaption: Text is the caption, Media set
//	media kinds: Media set, Text empty
type Content struct {
	Kind  ContentKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Media *Media      `json:"media,omitempty"`
}

// TextContent builds a text variant.
func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// MediaContent builds a media variant. A non-empty caption turns it into a
// caption variant; stickers never carry one.
func MediaContent(m Media, caption string) Content {
	if m.Kind != KindSticker && strings.TrimSpace(caption) != "" {
		return Content{Kind: KindCaption, Text: caption, Media: &m}
	}
	return Content{Kind: m.Kind, Media: &m}
}

// Valid reports whether the variant is one the relay knows how to forward.
func (c Content) Valid() bool {
	switch {
	case c.Kind == KindText:
		return c.Media == nil
	case c.Kind == KindCaption:
		return c.Media != nil && c.Media.Kind.IsMedia() && c.Media.Kind != KindSticker
	case c.Kind.IsMedia():
		return c.Media != nil && c.Media.Kind == c.Kind
	default:
		return false
	}
}

// Normalized returns the value used for length and duplicate checks: trimmed
// text for text-like kinds, the kind tag otherwise.
func (c Content) Normalized() string {
	if c.Kind.IsTextLike() {
		return strings.TrimSpace(c.Text)
	}
	return string(c.Kind)
}

// MediaKind returns the kind of the attached media, or KindUnknown.
func (c Content) MediaKind() ContentKind {
	if c.Media == nil {
		return KindUnknown
	}
	return c.Media.Kind
}

// Event is one inbound message from an identified sender.
type Event struct {
	ID         string    `json:"id"`
	Sender     SenderID  `json:"sender"`
	Content    Content   `json:"content"`
	ReplyText  string    `json:"reply_text,omitempty"` // text of the quoted message, if any
	ReceivedAt time.Time `json:"received_at"`
}
