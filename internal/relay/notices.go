package relay

import (
	"fmt"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

// Fixed user-visible notices.
const (
	NoticeBanned    = "🚫 You are banned and cannot send messages."
	NoticeDuplicate = "⚠️ You already sent that."
	NoticeTryLater  = "⚠️ Something went wrong, please try again later."
)

// Notice returns the refusal text for reason, filled in with the engine's limits.
func (e *Engine) Notice(reason models.RejectReason) string {
	switch reason {
	case models.RejectBanned:
		return NoticeBanned
	case models.RejectTooLong:
		return fmt.Sprintf("⚠️ Message is too long (max %d characters).", e.cfg.MaxMessageLength)
	case models.RejectMediaTooLarge:
		return fmt.Sprintf("⚠️ File is too large (max %d MB).", e.cfg.MaxMediaBytes/(1024*1024))
	case models.RejectDuplicateContent:
		return NoticeDuplicate
	case models.RejectTooFrequent:
		return fmt.Sprintf("⚠️ Wait %d seconds before sending another message.", int(e.limiter.SendInterval().Seconds()))
	default:
		return NoticeTryLater
	}
}

// WelcomeNotice greets a participant with their pseudonym.
func WelcomeNotice(pseudonym string) string {
	return fmt.Sprintf("👋 Welcome! Everything you send here is relayed anonymously to everyone else as %s.", FormatTag(pseudonym))
}

// ReassignedNotice tells a participant their pseudonym changed.
func ReassignedNotice(pseudonym string) string {
	return fmt.Sprintf("🔄 Your new ID is %s.", FormatTag(pseudonym))
}
