package store

import (
	"testing"
	"time"

	"github.com/dukerupert/chime/internal/database"
	"github.com/dukerupert/chime/internal/model"
)

func setupSyncStateStore(t *testing.T) *SyncStateStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSyncStateStore(db)
}

func TestEnsureIdempotent(t *testing.T) {
	ss := setupSyncStateStore(t)

	st, err := ss.Ensure(1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !st.SyncEnabled {
		t.Error("sync should default enabled")
	}
	if st.SyncDirection != model.SyncOneWay {
		t.Errorf("direction = %q, want one_way", st.SyncDirection)
	}

	if err := ss.SetCursor(1, "cursor-1"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	// A second Ensure must not reset existing state.
	st, err = ss.Ensure(1)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if st.SyncToken != "cursor-1" {
		t.Errorf("sync_token = %q, want cursor-1", st.SyncToken)
	}
}

func TestGetMissingSyncState(t *testing.T) {
	ss := setupSyncStateStore(t)
	st, err := ss.Get(42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st != nil {
		t.Errorf("got %+v, want nil", st)
	}
}

func TestUpdateSettings(t *testing.T) {
	ss := setupSyncStateStore(t)
	ss.Ensure(1)

	st, err := ss.UpdateSettings(1, true, model.SyncTwoWay)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.SyncDirection != model.SyncTwoWay {
		t.Errorf("direction = %q, want two_way", st.SyncDirection)
	}

	st, err = ss.UpdateSettings(1, false, model.SyncTwoWay)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if st.SyncEnabled {
		t.Error("sync still enabled")
	}

	if st, _ := ss.UpdateSettings(9, true, model.SyncOneWay); st != nil {
		t.Errorf("updated missing row: %+v", st)
	}
}

func TestListEnabled(t *testing.T) {
	ss := setupSyncStateStore(t)
	ss.Ensure(1)
	ss.Ensure(2)
	ss.Ensure(3)
	ss.UpdateSettings(2, false, model.SyncOneWay)

	states, err := ss.ListEnabled()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("len = %d, want 2", len(states))
	}
	for _, st := range states {
		if st.UserID == 2 {
			t.Error("disabled user listed")
		}
	}
}

func TestCursorAndTouch(t *testing.T) {
	ss := setupSyncStateStore(t)
	ss.Ensure(1)

	if err := ss.SetCalendarID(1, "chime-cal-9"); err != nil {
		t.Fatalf("set calendar id: %v", err)
	}
	if err := ss.SetCursor(1, "tok-1"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Second)
	if err := ss.Touch(1, at); err != nil {
		t.Fatalf("touch: %v", err)
	}

	st, _ := ss.Get(1)
	if st.GoogleCalendarID != "chime-cal-9" {
		t.Errorf("calendar id = %q, want chime-cal-9", st.GoogleCalendarID)
	}
	if st.SyncToken != "tok-1" {
		t.Errorf("sync_token = %q, want tok-1", st.SyncToken)
	}
	if st.LastSyncAt == nil || !st.LastSyncAt.Equal(at) {
		t.Errorf("last_sync_at = %v, want %v", st.LastSyncAt, at)
	}

	// Clearing the cursor forces the next pull to resync from scratch.
	if err := ss.SetCursor(1, ""); err != nil {
		t.Fatalf("clear cursor: %v", err)
	}
	st, _ = ss.Get(1)
	if st.SyncToken != "" {
		t.Errorf("sync_token = %q, want empty", st.SyncToken)
	}
}

func TestDeleteSyncState(t *testing.T) {
	ss := setupSyncStateStore(t)
	ss.Ensure(1)

	if err := ss.Delete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st, _ := ss.Get(1); st != nil {
		t.Errorf("state survived delete: %+v", st)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cs := NewCredentialStore(db)

	if got, err := cs.Get(1); err != nil || got != nil {
		t.Fatalf("get empty = %v (%v), want nil", got, err)
	}

	blob := []byte{0x01, 0x02, 0xfe, 0xff}
	if err := cs.Save(1, blob); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := cs.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("blob = %x, want %x", got, blob)
	}

	// Saving again replaces the old grant.
	if err := cs.Save(1, []byte{0xaa}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _ = cs.Get(1)
	if len(got) != 1 || got[0] != 0xaa {
		t.Errorf("blob = %x, want aa", got)
	}

	if err := cs.Delete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := cs.Get(1); got != nil {
		t.Errorf("credential survived delete: %x", got)
	}
}
