package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// mockClient creates a session with a send channel but no real connection.
func mockClient(hub *Hub, userID int64) *Client {
	return &Client{
		hub:    hub,
		conn:   nil,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, 1)
	c2 := mockClient(hub, 1)
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.SessionCount(1); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.SessionCount(1); got != 1 {
		t.Fatalf("expected 1 session after unregister, got %d", got)
	}

	hub.Unregister(c2)
	if got := hub.SessionCount(1); got != 0 {
		t.Fatalf("expected 0 sessions, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, 1)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.SessionCount(1); got != 0 {
		t.Fatalf("expected 0 sessions, got %d", got)
	}
}

func TestReminderFiredTargetsOwner(t *testing.T) {
	hub := NewHub(slog.Default())

	owner := mockClient(hub, 1)
	other := mockClient(hub, 2)
	hub.Register(owner)
	hub.Register(other)

	hub.ReminderFired(1, 42, "Call dentist")

	select {
	case data := <-owner.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "reminder_fired" {
			t.Errorf("type = %q, want reminder_fired", got.Type)
		}
		if got.ReminderID != 42 {
			t.Errorf("reminder_id = %d, want 42", got.ReminderID)
		}
		if got.Title != "Call dentist" {
			t.Errorf("title = %q, want Call dentist", got.Title)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for frame")
	}

	select {
	case data := <-other.send:
		t.Fatalf("user 2 received another user's fire event: %s", data)
	default:
	}

	hub.Unregister(owner)
	hub.Unregister(other)
}

func TestSendEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.ReminderFired(1, 1, "nobody listening")
}

func TestSendFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, 1)
	hub.Register(c)

	// Fill the send buffer
	for i := 0; i < sendBufferSize; i++ {
		hub.ReminderFired(1, int64(i), "fill")
	}

	// This should drop the frame, not panic or block
	hub.ReminderFired(1, 999, "dropped")

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d frames, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	// Register, fire, and unregister concurrently across a few users
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			c := mockClient(hub, userID)
			hub.Register(c)
			hub.ReminderFired(userID, 1, "concurrent")
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}(int64(i%4 + 1))
	}

	wg.Wait()

	for userID := int64(1); userID <= 4; userID++ {
		if got := hub.SessionCount(userID); got != 0 {
			t.Errorf("user %d: expected 0 sessions after concurrent test, got %d", userID, got)
		}
	}
}
