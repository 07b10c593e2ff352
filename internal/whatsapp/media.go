package whatsapp

import (
	"encoding/base64"
	"fmt"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// ParseMessage converts an inbound WhatsApp message into relay content plus
// the text of the message it quotes, if any. Unsupported messages yield
// content of KindUnknown.
func ParseMessage(msg *waE2E.Message) (models.Content, string) {
	if msg == nil {
		return models.Content{}, ""
	}
	if doc := msg.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage(); doc != nil && msg.GetDocumentMessage() == nil {
		msg = &waE2E.Message{DocumentMessage: doc}
	}

	switch {
	case msg.Conversation != nil:
		return models.TextContent(msg.GetConversation()), ""
	case msg.ExtendedTextMessage != nil:
		ext := msg.GetExtendedTextMessage()
		return models.TextContent(ext.GetText()), quotedText(ext.GetContextInfo())
	case msg.ImageMessage != nil:
		im := msg.GetImageMessage()
		return mediaContent(models.KindPhoto, im, im.GetFileLength(), im.GetMimetype(), im.GetCaption()), quotedText(im.GetContextInfo())
	case msg.VideoMessage != nil:
		vm := msg.GetVideoMessage()
		kind := models.KindVideo
		if vm.GetGifPlayback() {
			kind = models.KindAnimation
		}
		return mediaContent(kind, vm, vm.GetFileLength(), vm.GetMimetype(), vm.GetCaption()), quotedText(vm.GetContextInfo())
	case msg.DocumentMessage != nil:
		dm := msg.GetDocumentMessage()
		return mediaContent(models.KindDocument, dm, dm.GetFileLength(), dm.GetMimetype(), dm.GetCaption()), quotedText(dm.GetContextInfo())
	case msg.StickerMessage != nil:
		sm := msg.GetStickerMessage()
		return mediaContent(models.KindSticker, sm, sm.GetFileLength(), sm.GetMimetype(), ""), quotedText(sm.GetContextInfo())
	case msg.AudioMessage != nil:
		am := msg.GetAudioMessage()
		kind := models.KindAudio
		if am.GetPTT() {
			kind = models.KindVoice
		}
		return mediaContent(kind, am, am.GetFileLength(), am.GetMimetype(), ""), quotedText(am.GetContextInfo())
	default:
		return models.Content{}, ""
	}
}

func mediaContent(kind models.ContentKind, m proto.Message, size uint64, mime, caption string) models.Content {
	ref, err := encodeRef(m)
	if err != nil {
		return models.Content{}
	}
	return models.MediaContent(models.Media{
		Kind:     kind,
		Ref:      ref,
		Size:     int64(size),
		MimeType: mime,
	}, caption)
}

func quotedText(ci *waE2E.ContextInfo) string {
	q := ci.GetQuotedMessage()
	if q == nil {
		return ""
	}
	for _, s := range []string{
		q.GetConversation(),
		q.GetExtendedTextMessage().GetText(),
		q.GetImageMessage().GetCaption(),
		q.GetVideoMessage().GetCaption(),
		q.GetDocumentMessage().GetCaption(),
	} {
		if s != "" {
			return s
		}
	}
	return ""
}

// encodeRef serializes a media sub-message so it can be re-sent later without
// downloading and re-uploading the file.
func encodeRef(m proto.Message) (string, error) {
	raw, err := proto.Marshal(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeRef(ref string, into proto.Message) error {
	raw, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return fmt.Errorf("invalid media reference: %w", err)
	}
	if err := proto.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid media reference: %w", err)
	}
	return nil
}

// BuildMediaMessage rebuilds an outbound message from a media reference. The
// quoted context of the original is dropped. captioned reports whether the
// caption was attached; audio, voice and sticker messages cannot carry one.
func BuildMediaMessage(media models.Media, caption string) (msg *waE2E.Message, captioned bool, err error) {
	var capPtr *string
	if caption != "" {
		capPtr = proto.String(caption)
	}

	switch media.Kind {
	case models.KindPhoto:
		im := &waE2E.ImageMessage{}
		if err := decodeRef(media.Ref, im); err != nil {
			return nil, false, err
		}
		im.Caption, im.ContextInfo = capPtr, nil
		return &waE2E.Message{ImageMessage: im}, true, nil
	case models.KindVideo, models.KindAnimation:
		vm := &waE2E.VideoMessage{}
		if err := decodeRef(media.Ref, vm); err != nil {
			return nil, false, err
		}
		vm.Caption, vm.ContextInfo = capPtr, nil
		if media.Kind == models.KindAnimation {
			vm.GifPlayback = proto.Bool(true)
		}
		return &waE2E.Message{VideoMessage: vm}, true, nil
	case models.KindDocument:
		dm := &waE2E.DocumentMessage{}
		if err := decodeRef(media.Ref, dm); err != nil {
			return nil, false, err
		}
		dm.Caption, dm.ContextInfo = capPtr, nil
		return &waE2E.Message{DocumentMessage: dm}, true, nil
	case models.KindVoice, models.KindAudio:
		am := &waE2E.AudioMessage{}
		if err := decodeRef(media.Ref, am); err != nil {
			return nil, false, err
		}
		am.ContextInfo = nil
		am.PTT = proto.Bool(media.Kind == models.KindVoice)
		return &waE2E.Message{AudioMessage: am}, false, nil
	case models.KindSticker:
		sm := &waE2E.StickerMessage{}
		if err := decodeRef(media.Ref, sm); err != nil {
			return nil, false, err
		}
		sm.ContextInfo = nil
		return &waE2E.Message{StickerMessage: sm}, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported media kind %q", media.Kind)
	}
}
