package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// ExpirationPermanent is the creation choice for boards that never expire.
const ExpirationPermanent = "permanent"

// Board is the shared unit of collaboration: one opaque JSON payload plus
// metadata. The payload (columns, cards, labels) is never interpreted by
// the sync engine.
type Board struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	SecretHash string          `json:"-"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

// Protected reports whether reads and writes require a secret.
func (b *Board) Protected() bool {
	return b.SecretHash != ""
}

// Expired reports whether the board's expiry timestamp has passed. A board
// with no expiry never expires.
func (b *Board) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// ParseExpiration converts a creation-time expiration choice ("permanent"
// or a number of days) into an absolute timestamp. It returns nil for
// permanent boards.
func ParseExpiration(choice string, now time.Time) (*time.Time, bool) {
	if choice == ExpirationPermanent {
		return nil, true
	}
	days, err := strconv.Atoi(choice)
	if err != nil || days <= 0 {
		return nil, false
	}
	t := now.Add(time.Duration(days) * 24 * time.Hour)
	return &t, true
}

// DefaultPayload is the initial payload for boards created without data.
func DefaultPayload() json.RawMessage {
	return json.RawMessage(`{"columns":[],"cards":[],"labels":[]}`)
}
