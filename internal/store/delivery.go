package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

// DeliveryStore is the append-only audit trail of notification attempts.
// Every attempt starts as sent and is resolved to delivered or failed.
type DeliveryStore struct {
	db *sql.DB
}

func NewDeliveryStore(db *sql.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

const deliveryCols = `id, reminder_id, device_id, status, error_message, created_at, updated_at`

func scanDelivery(scanner interface{ Scan(...any) error }) (*model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	err := scanner.Scan(
		&r.ID, &r.ReminderID, &r.DeviceID, &r.Status, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordSent creates the attempt row before the provider call is made.
func (s *DeliveryStore) RecordSent(reminderID, deviceID int64) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO delivery_records (reminder_id, device_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		reminderID, deviceID, model.DeliverySent, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert delivery record: %w", err)
	}
	return result.LastInsertId()
}

func (s *DeliveryStore) MarkDelivered(id int64) error {
	_, err := s.db.Exec(
		`UPDATE delivery_records SET status = ?, updated_at = ? WHERE id = ?`,
		model.DeliveryDelivered, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *DeliveryStore) MarkFailed(id int64, message string) error {
	_, err := s.db.Exec(
		`UPDATE delivery_records SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		model.DeliveryFailed, message, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *DeliveryStore) ListByReminder(reminderID int64) ([]model.DeliveryRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+deliveryCols+` FROM delivery_records WHERE reminder_id = ? ORDER BY id ASC`,
		reminderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery records: %w", err)
	}
	defer rows.Close()

	var records []model.DeliveryRecord
	for rows.Next() {
		r, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
