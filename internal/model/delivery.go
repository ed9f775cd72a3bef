package model

import "time"

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is one row of the append-only delivery ledger: one per
// attempt, written as sent before the provider call and updated afterward.
type DeliveryRecord struct {
	ID           int64          `json:"id"`
	ReminderID   int64          `json:"reminder_id"`
	DeviceID     int64          `json:"device_id"`
	Status       DeliveryStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
