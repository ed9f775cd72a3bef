package model

import "time"

type SyncDirection string

const (
	SyncOneWay SyncDirection = "one_way"
	SyncTwoWay SyncDirection = "two_way"
)

// Valid reports whether d is a known sync direction.
func (d SyncDirection) Valid() bool {
	return d == SyncOneWay || d == SyncTwoWay
}

// SyncState is the per-user calendar synchronization record. Created on first
// connect, touched every cycle, deleted on disconnect.
type SyncState struct {
	UserID           int64         `json:"user_id"`
	SyncEnabled      bool          `json:"sync_enabled"`
	SyncDirection    SyncDirection `json:"sync_direction"`
	SyncToken        string        `json:"sync_token,omitempty"`
	GoogleCalendarID string        `json:"google_calendar_id,omitempty"`
	LastSyncAt       *time.Time    `json:"last_sync_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Credentials is the transient, decrypted form of a user's provider grant.
// It exists in memory only; at rest it is an opaque AES-GCM blob.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the access token is past (or within a minute of)
// its expiry at the given instant.
func (c Credentials) Expired(now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(time.Minute).Before(c.Expiry)
}
