// Package store persists engine state in SQLite. Lookups return nil, nil when
// the row does not exist; services translate that into their own not-found
// errors. All timestamps are written from Go in UTC so stored values compare
// consistently.
package store

import (
	"database/sql"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicate reports an insert or update that collided with a
	// uniqueness constraint, such as the active-reminder dedup index.
	ErrDuplicate = errors.New("duplicate row")

	// ErrIllegalTransition reports a status change the transition table
	// does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
)

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}
