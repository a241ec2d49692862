package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorageTransient is returned when a storage operation failed for a reason that may clear on retry
	ErrStorageTransient = errors.New("transient storage failure")

	// ErrNotFound is returned when a record does not exist in the bound tenant
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update matched no row
	ErrConflict = errors.New("record changed concurrently")

	// ErrDuplicate is returned when an insert collides with an existing primary key
	ErrDuplicate = errors.New("record already exists")
)

// classify marks busy, locked and timed out operations as transient
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", ErrStorageTransient, err)
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%w: %v", ErrDuplicate, err)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageTransient, err)
	}
	return err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageTransient)
}
