package storage

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrStoreUnavailable wraps every failure of the underlying database:
	// disk errors, lock contention past the busy timeout, corruption.
	ErrStoreUnavailable = errors.New("coordination store unavailable")

	// ErrNotFound is returned when an operation requires a record that does
	// not exist.
	ErrNotFound = errors.New("not found")

	ErrRunExists = errors.New("run already exists")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func isConstraint(err error, code int) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == code
	}
	return false
}

func isPrimaryKeyViolation(err error) bool {
	return isConstraint(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}
