package store

import (
	"testing"
	"time"

	"github.com/dukerupert/chime/internal/database"
	"github.com/dukerupert/chime/internal/model"
)

func TestDeliveryLedger(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rs := NewReminderStore(db)
	ds := NewDeviceStore(db)
	ls := NewDeliveryStore(db)

	r, err := rs.Create(draft(1, "Water plants", time.Now().UTC().Add(time.Hour)))
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	d1, _ := ds.Register(webDraft(1, "https://push.example/sub/1"))
	d2, _ := ds.Register(DeviceDraft{UserID: 1, Platform: model.PlatformAndroid, DeviceName: "Pixel", PushToken: "tok"})

	id1, err := ls.RecordSent(r.ID, d1.ID)
	if err != nil {
		t.Fatalf("record sent: %v", err)
	}
	id2, err := ls.RecordSent(r.ID, d2.ID)
	if err != nil {
		t.Fatalf("record sent: %v", err)
	}

	if err := ls.MarkDelivered(id1); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := ls.MarkFailed(id2, "provider 502"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	records, err := ls.ListByReminder(r.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}

	byID := map[int64]model.DeliveryRecord{}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	if got := byID[id1]; got.Status != model.DeliveryDelivered {
		t.Errorf("record %d status = %q, want delivered", id1, got.Status)
	}
	if got := byID[id2]; got.Status != model.DeliveryFailed || got.ErrorMessage != "provider 502" {
		t.Errorf("record %d = %q/%q, want failed/provider 502", id2, got.Status, got.ErrorMessage)
	}
}
