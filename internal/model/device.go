package model

import "time"

type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Device is a registered delivery target for one user. Web devices carry a
// push subscription triple; mobile devices carry a provider token.
type Device struct {
	ID         int64    `json:"id"`
	UserID     int64    `json:"user_id"`
	Platform   Platform `json:"platform"`
	DeviceName string   `json:"device_name"`

	// Web push subscription (platform == web).
	Endpoint  string `json:"endpoint,omitempty"`
	P256dhKey string `json:"p256dh_key,omitempty"`
	AuthKey   string `json:"auth_key,omitempty"`

	// Provider registration token (platform == android | ios).
	PushToken string `json:"push_token,omitempty"`

	// Sandbox devices always take the mock delivery path.
	Sandbox   bool      `json:"sandbox"`
	CreatedAt time.Time `json:"created_at"`
}
