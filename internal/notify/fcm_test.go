package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/chime/internal/model"
)

func fcmDevice() model.Device {
	return model.Device{ID: 1, UserID: 1, Platform: model.PlatformAndroid, PushToken: "tok-1"}
}

func TestFCMSend(t *testing.T) {
	var gotAuth, gotTo string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var msg fcmMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotTo = msg.To
		w.Write([]byte(`{"success":1,"failure":0}`))
	}))
	defer server.Close()

	f := NewFCM("server-key")
	f.baseURL = server.URL

	err := f.Send(context.Background(), fcmDevice(), Notification{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAuth != "key=server-key" {
		t.Errorf("authorization = %q, want key=server-key", gotAuth)
	}
	if gotTo != "tok-1" {
		t.Errorf("to = %q, want tok-1", gotTo)
	}
}

func TestFCMSendNotRegistered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`))
	}))
	defer server.Close()

	f := NewFCM("server-key")
	f.baseURL = server.URL

	err := f.Send(context.Background(), fcmDevice(), Notification{Title: "Hi"})
	if !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestFCMSendServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f := NewFCM("bad-key")
	f.baseURL = server.URL

	if err := f.Send(context.Background(), fcmDevice(), Notification{Title: "Hi"}); err == nil {
		t.Error("send succeeded against 401")
	}
}

func TestFCMSendUnconfigured(t *testing.T) {
	f := NewFCM("")
	if err := f.Send(context.Background(), fcmDevice(), Notification{Title: "Hi"}); err == nil {
		t.Error("send succeeded without server key")
	}
}
