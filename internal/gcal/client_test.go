package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
	return New(ts, WithBaseURL(srv.URL))
}

func TestEnsureCalendarFindsExisting(t *testing.T) {
	var created atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want Bearer test-token", got)
		}
		json.NewEncoder(w).Encode(calendarListPage{Items: []calendarResource{
			{ID: "primary", Summary: "John Doe"},
			{ID: "chime-cal-id", Summary: "Chime"},
		}})
	})
	mux.HandleFunc("POST /calendars", func(w http.ResponseWriter, r *http.Request) {
		created.Store(true)
	})

	c := testClient(t, mux)
	id, err := c.EnsureCalendar(context.Background(), "Chime")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id != "chime-cal-id" {
		t.Errorf("id = %q, want chime-cal-id", id)
	}
	if created.Load() {
		t.Error("created a calendar that already existed")
	}
}

func TestEnsureCalendarCreates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageToken") {
		case "":
			json.NewEncoder(w).Encode(calendarListPage{
				Items:         []calendarResource{{ID: "primary", Summary: "John Doe"}},
				NextPageToken: "page-2",
			})
		case "page-2":
			json.NewEncoder(w).Encode(calendarListPage{Items: []calendarResource{{ID: "other", Summary: "Work"}}})
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
		}
	})
	mux.HandleFunc("POST /calendars", func(w http.ResponseWriter, r *http.Request) {
		var body calendarResource
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode create body: %v", err)
		}
		if body.Summary != "Chime" {
			t.Errorf("created summary = %q, want Chime", body.Summary)
		}
		json.NewEncoder(w).Encode(calendarResource{ID: "new-cal-id", Summary: body.Summary})
	})

	c := testClient(t, mux)
	id, err := c.EnsureCalendar(context.Background(), "Chime")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id != "new-cal-id" {
		t.Errorf("id = %q, want new-cal-id", id)
	}
}

func TestListChangesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/cal-1/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("showDeleted") != "true" {
			t.Error("showDeleted not requested")
		}
		if q.Get("syncToken") != "cursor-1" {
			t.Errorf("syncToken = %q, want cursor-1", q.Get("syncToken"))
		}
		switch q.Get("pageToken") {
		case "":
			json.NewEncoder(w).Encode(eventsPage{
				Items: []wireEvent{{
					ID:         "g-1",
					Summary:    "Standup",
					Status:     "confirmed",
					Start:      &wireTime{DateTime: "2026-04-01T09:00:00Z"},
					End:        &wireTime{DateTime: "2026-04-01T09:15:00Z"},
					Recurrence: []string{"EXDATE:20260406T090000Z", "RRULE:FREQ=WEEKLY;BYDAY=MO,WE"},
					Updated:    "2026-03-30T08:00:00.000Z",
				}},
				NextPageToken: "page-2",
			})
		case "page-2":
			json.NewEncoder(w).Encode(eventsPage{
				Items: []wireEvent{
					{ID: "g-2", Summary: "Cancelled thing", Status: "cancelled"},
					{ID: "g-3", Summary: "Offsite", Start: &wireTime{Date: "2026-04-02"}, End: &wireTime{Date: "2026-04-03"}},
				},
				NextSyncToken: "cursor-2",
			})
		default:
			t.Errorf("unexpected pageToken %q", q.Get("pageToken"))
		}
	})

	c := testClient(t, mux)
	events, next, err := c.ListChanges(context.Background(), "cal-1", "cursor-1")
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if next != "cursor-2" {
		t.Errorf("next cursor = %q, want cursor-2", next)
	}

	first := events[0]
	if first.Title != "Standup" || !first.StartsAt.Equal(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("first event = %+v", first)
	}
	if first.RRule != "FREQ=WEEKLY;BYDAY=MO,WE" {
		t.Errorf("rrule = %q, want the RRULE line without its prefix", first.RRule)
	}
	if want := time.Date(2026, 3, 30, 8, 0, 0, 0, time.UTC); !first.UpdatedAt.Equal(want) {
		t.Errorf("updated = %v, want %v", first.UpdatedAt, want)
	}
	if events[1].Status != "cancelled" {
		t.Errorf("second event status = %q, want cancelled", events[1].Status)
	}
	// All-day dates land on midnight UTC.
	if want := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC); !events[2].StartsAt.Equal(want) {
		t.Errorf("all-day start = %v, want %v", events[2].StartsAt, want)
	}
}

func TestListChangesStaleCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/cal-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error":{"code":410,"message":"Sync token is no longer valid"}}`))
	})

	c := testClient(t, mux)
	_, _, err := c.ListChanges(context.Background(), "cal-1", "stale")
	if !errors.Is(err, ErrSyncTokenExpired) {
		t.Errorf("err = %v, want ErrSyncTokenExpired", err)
	}
}

func TestInsert(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/cal-1/events", func(w http.ResponseWriter, r *http.Request) {
		var body wireEvent
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode insert body: %v", err)
		}
		if body.Summary != "Dentist" || body.Status != "confirmed" {
			t.Errorf("insert body = %+v", body)
		}
		if body.Start == nil || body.Start.DateTime != "2026-04-01T15:00:00Z" {
			t.Errorf("insert start = %+v", body.Start)
		}
		if len(body.Recurrence) != 1 || body.Recurrence[0] != "RRULE:FREQ=WEEKLY" {
			t.Errorf("insert recurrence = %v", body.Recurrence)
		}
		body.ID = "g-new"
		json.NewEncoder(w).Encode(body)
	})

	c := testClient(t, mux)
	id, err := c.Insert(context.Background(), "cal-1", Event{
		Title:    "Dentist",
		Status:   "confirmed",
		StartsAt: time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 4, 1, 16, 0, 0, 0, time.UTC),
		RRule:    "FREQ=WEEKLY",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != "g-new" {
		t.Errorf("id = %q, want g-new", id)
	}
}

func TestUpdate(t *testing.T) {
	var hit atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /calendars/cal-1/events/g-1", func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		w.Write([]byte(`{}`))
	})

	c := testClient(t, mux)
	err := c.Update(context.Background(), "cal-1", "g-1", Event{Title: "Moved", Status: "confirmed"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !hit.Load() {
		t.Error("update endpoint never called")
	}
}

func TestDeleteToleratesGone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /calendars/cal-1/events/g-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /calendars/cal-1/events/g-2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	c := testClient(t, mux)
	if err := c.Delete(context.Background(), "cal-1", "g-1"); err != nil {
		t.Errorf("delete: %v", err)
	}
	if err := c.Delete(context.Background(), "cal-1", "g-2"); err != nil {
		t.Errorf("delete already-gone event: %v", err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/cal-1/events", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(eventsPage{NextSyncToken: "cursor-1"})
	})

	c := testClient(t, mux)
	_, next, err := c.ListChanges(context.Background(), "cal-1", "")
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if next != "cursor-1" {
		t.Errorf("next cursor = %q, want cursor-1", next)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/cal-1/events", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"insufficient permissions"}}`))
	})

	c := testClient(t, mux)
	_, err := c.Insert(context.Background(), "cal-1", Event{Title: "Nope"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 403)", calls.Load())
	}
}
