package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

const deviceCols = `id, user_id, platform, device_name, endpoint, p256dh_key, auth_key, push_token, sandbox, created_at`

func scanDevice(scanner interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	var sandbox int
	err := scanner.Scan(
		&d.ID, &d.UserID, &d.Platform, &d.DeviceName, &d.Endpoint,
		&d.P256dhKey, &d.AuthKey, &d.PushToken, &sandbox, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Sandbox = sandbox != 0
	return &d, nil
}

// DeviceDraft carries the registration fields for one device. Endpoint and
// keys apply to web push, PushToken to mobile platforms.
type DeviceDraft struct {
	UserID     int64
	Platform   model.Platform
	DeviceName string
	Endpoint   string
	P256dhKey  string
	AuthKey    string
	PushToken  string
	Sandbox    bool
}

// Register inserts a device. A web device re-registering the same push
// endpoint updates the existing row in place instead of stacking duplicates.
func (s *DeviceStore) Register(d DeviceDraft) (*model.Device, error) {
	var sandbox int
	if d.Sandbox {
		sandbox = 1
	}

	result, err := s.db.Exec(
		`INSERT INTO devices (user_id, platform, device_name, endpoint, p256dh_key, auth_key, push_token, sandbox, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (endpoint) WHERE endpoint != '' DO UPDATE SET
			user_id = excluded.user_id,
			device_name = excluded.device_name,
			p256dh_key = excluded.p256dh_key,
			auth_key = excluded.auth_key,
			sandbox = excluded.sandbox`,
		d.UserID, d.Platform, d.DeviceName, d.Endpoint, d.P256dhKey, d.AuthKey,
		d.PushToken, sandbox, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	// On a conflict-update the insert id does not point at the row we
	// touched, so web devices are re-read by endpoint.
	if d.Endpoint != "" {
		return s.GetByEndpoint(d.Endpoint)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *DeviceStore) GetByID(id int64) (*model.Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceCols+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) GetByEndpoint(endpoint string) (*model.Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceCols+` FROM devices WHERE endpoint = ?`, endpoint)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device by endpoint: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) ListByUser(userID int64) ([]model.Device, error) {
	rows, err := s.db.Query(
		`SELECT `+deviceCols+` FROM devices WHERE user_id = ? ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Delete drops a device registration, typically after the provider reports
// the subscription gone.
func (s *DeviceStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}
