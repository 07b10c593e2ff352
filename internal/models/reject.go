package models

// RejectReason explains why an inbound event was not admitted.
// RejectNone means the event was admitted.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectBanned
	RejectTooLong
	RejectMediaTooLarge
	RejectDuplicateContent
	RejectTooFrequent
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectBanned:
		return "banned"
	case RejectTooLong:
		return "too_long"
	case RejectMediaTooLarge:
		return "media_too_large"
	case RejectDuplicateContent:
		return "duplicate_content"
	case RejectTooFrequent:
		return "too_frequent"
	default:
		return "unknown"
	}
}
