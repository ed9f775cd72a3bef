package notify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dukerupert/chime/internal/model"
)

// Provider tokens are valid for at most an hour; refresh well inside that.
const apnsTokenTTL = 50 * time.Minute

// APNsConfig holds the provider-token credentials issued by the developer
// portal. PrivateKey is the PEM-encoded .p8 signing key.
type APNsConfig struct {
	TeamID     string
	KeyID      string
	BundleID   string
	PrivateKey []byte
}

// APNs sends iOS notifications through the Apple Push Notification service
// HTTP/2 API, authenticated with ES256 provider tokens.
type APNs struct {
	cfg        APNsConfig
	key        *ecdsa.PrivateKey
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

func NewAPNs(cfg APNsConfig) (*APNs, error) {
	a := &APNs{
		cfg:        cfg,
		baseURL:    "https://api.push.apple.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	if len(cfg.PrivateKey) == 0 {
		return a, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse apns signing key: %w", err)
	}
	a.key = key
	return a, nil
}

// Configured returns true if a signing key was loaded.
func (a *APNs) Configured() bool {
	return a.key != nil
}

func (a *APNs) providerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.token != "" && now.Sub(a.issuedAt) < apnsTokenTTL {
		return a.token, nil
	}

	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.cfg.TeamID,
		"iat": now.Unix(),
	})
	t.Header["kid"] = a.cfg.KeyID

	signed, err := t.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	a.token = signed
	a.issuedAt = now
	return signed, nil
}

type apnsPayload struct {
	APS apnsAPS `json:"aps"`
}

type apnsAPS struct {
	Alert apnsAlert `json:"alert"`
	Sound string    `json:"sound,omitempty"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (a *APNs) Send(ctx context.Context, d model.Device, n Notification) error {
	if !a.Configured() {
		return fmt.Errorf("apns client not configured: missing signing key")
	}

	token, err := a.providerToken()
	if err != nil {
		return err
	}

	body, err := json.Marshal(apnsPayload{
		APS: apnsAPS{
			Alert: apnsAlert{Title: n.Title, Body: n.Body},
			Sound: "default",
		},
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", a.baseURL, d.PushToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-topic", a.cfg.BundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Reason != "" {
			return fmt.Errorf("apns rejected notification: %s", apiErr.Reason)
		}
		return fmt.Errorf("apns API error: status %d", resp.StatusCode)
	}

	return nil
}
