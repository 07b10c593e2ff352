// Package models defines the core data structures for AnonRelay.
//
// It includes the persisted user record, the inbound event variant and the
// JSON envelope used by the HTTP API. These types are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidSenderID is returned when a sender identifier contains no digits.
var ErrInvalidSenderID = errors.New("invalid sender id")

// SenderID is the stable identifier a transport assigns to a participant.
// It is the primary key of every persisted UserRecord and is always a
// decimal string (phone number or platform user id).
type SenderID string

// String implements fmt.Stringer.
func (id SenderID) String() string {
	return string(id)
}

// ParseSenderID canonicalizes a raw transport identifier by keeping only its
// digits, so "whatsapp:+1 555 0100" and "15550100" map to the same sender.
func ParseSenderID(raw string) (SenderID, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidSenderID
	}
	return SenderID(b.String()), nil
}

// UserRecord is the persisted state of one participant.
type UserRecord struct {
	SenderID  SenderID  `json:"sender_id"`
	Pseudonym string    `json:"anon_id"`
	Banned    bool      `json:"banned"`
	CreatedAt time.Time `json:"created_at"`
}

// UserUpdate carries a partial update of a UserRecord. Nil fields are left untouched.
type UserUpdate struct {
	Pseudonym *string `json:"anon_id,omitempty"`
	Banned    *bool   `json:"banned,omitempty"`
}

// PseudonymUpdate builds an update that only replaces the pseudonym.
func PseudonymUpdate(pseudonym string) UserUpdate {
	return UserUpdate{Pseudonym: &pseudonym}
}

// BanUpdate builds an update that only changes the ban flag.
func BanUpdate(banned bool) UserUpdate {
	return UserUpdate{Banned: &banned}
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Pseudonym == nil && u.Banned == nil
}

// Apply copies the non-nil fields of u onto r.
func (u UserUpdate) Apply(r *UserRecord) {
	if u.Pseudonym != nil {
		r.Pseudonym = *u.Pseudonym
	}
	if u.Banned != nil {
		r.Banned = *u.Banned
	}
}
