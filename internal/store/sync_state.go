package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

type SyncStateStore struct {
	db *sql.DB
}

func NewSyncStateStore(db *sql.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

const syncStateCols = `user_id, sync_enabled, sync_direction, sync_token, google_calendar_id, last_sync_at, created_at, updated_at`

func scanSyncState(scanner interface{ Scan(...any) error }) (*model.SyncState, error) {
	var st model.SyncState
	var enabled int
	var lastSync sql.NullTime

	err := scanner.Scan(
		&st.UserID, &enabled, &st.SyncDirection, &st.SyncToken,
		&st.GoogleCalendarID, &lastSync, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.SyncEnabled = enabled != 0
	if lastSync.Valid {
		st.LastSyncAt = &lastSync.Time
	}
	return &st, nil
}

// Ensure creates the user's sync state row if it does not exist yet and
// returns the current state. Called on provider connect.
func (s *SyncStateStore) Ensure(userID int64) (*model.SyncState, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sync_states (user_id, sync_enabled, sync_direction, created_at, updated_at)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, model.SyncOneWay, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure sync state: %w", err)
	}
	return s.Get(userID)
}

func (s *SyncStateStore) Get(userID int64) (*model.SyncState, error) {
	row := s.db.QueryRow(`SELECT `+syncStateCols+` FROM sync_states WHERE user_id = ?`, userID)
	st, err := scanSyncState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	return st, nil
}

// ListEnabled returns the sync state of every user with syncing switched on.
// The periodic driver walks this.
func (s *SyncStateStore) ListEnabled() ([]model.SyncState, error) {
	rows, err := s.db.Query(`SELECT ` + syncStateCols + ` FROM sync_states WHERE sync_enabled = 1 ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled sync states: %w", err)
	}
	defer rows.Close()

	var states []model.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// UpdateSettings flips the enabled flag and direction. Returns nil, nil when
// the user has no sync state.
func (s *SyncStateStore) UpdateSettings(userID int64, enabled bool, direction model.SyncDirection) (*model.SyncState, error) {
	var enabledInt int
	if enabled {
		enabledInt = 1
	}

	result, err := s.db.Exec(
		`UPDATE sync_states SET sync_enabled = ?, sync_direction = ?, updated_at = ? WHERE user_id = ?`,
		enabledInt, direction, time.Now().UTC(), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update sync settings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(userID)
}

// SetCalendarID records the provider calendar the engine writes into.
func (s *SyncStateStore) SetCalendarID(userID int64, calendarID string) error {
	_, err := s.db.Exec(
		`UPDATE sync_states SET google_calendar_id = ?, updated_at = ? WHERE user_id = ?`,
		calendarID, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("set calendar id: %w", err)
	}
	return nil
}

// SetCursor advances the incremental pull cursor; an empty token clears it,
// forcing the next pull to run a full listing.
func (s *SyncStateStore) SetCursor(userID int64, token string) error {
	_, err := s.db.Exec(
		`UPDATE sync_states SET sync_token = ?, updated_at = ? WHERE user_id = ?`,
		token, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("set sync cursor: %w", err)
	}
	return nil
}

// Touch stamps last_sync_at, which feeds the driver's debounce window.
func (s *SyncStateStore) Touch(userID int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sync_states SET last_sync_at = ?, updated_at = ? WHERE user_id = ?`,
		at.UTC(), time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("touch sync state: %w", err)
	}
	return nil
}

// Delete clears the user's sync state entirely. Called on disconnect.
func (s *SyncStateStore) Delete(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM sync_states WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	return nil
}
