package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

// FCM sends Android notifications through Firebase Cloud Messaging's HTTP
// endpoint, authenticated by server key.
type FCM struct {
	serverKey  string
	baseURL    string
	httpClient *http.Client
}

func NewFCM(serverKey string) *FCM {
	return &FCM{
		serverKey:  serverKey,
		baseURL:    "https://fcm.googleapis.com/fcm/send",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured returns true if the server key is set.
func (f *FCM) Configured() bool {
	return f.serverKey != ""
}

type fcmMessage struct {
	To           string          `json:"to"`
	Notification fcmNotification `json:"notification"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

func (f *FCM) Send(ctx context.Context, d model.Device, n Notification) error {
	if !f.Configured() {
		return fmt.Errorf("fcm client not configured: missing server key")
	}

	body, err := json.Marshal(fcmMessage{
		To:           d.PushToken,
		Notification: fcmNotification{Title: n.Title, Body: n.Body, Tag: n.Tag},
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fcm API error: status %d", resp.StatusCode)
	}

	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Failure > 0 && len(out.Results) > 0 {
		switch out.Results[0].Error {
		case "NotRegistered", "InvalidRegistration":
			return ErrExpired
		default:
			return fmt.Errorf("fcm rejected message: %s", out.Results[0].Error)
		}
	}

	return nil
}
