package storedb

import (
	"errors"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqlitePrimaryErrMask = 0xFF
	sqlitePrimaryBusy    = 5
	sqlitePrimaryLocked  = 6

	// WriteRetryAttempts and WriteRetryBaseWait shape the linear backoff
	// stores use when a concurrent writer holds the database.
	WriteRetryAttempts = 8
	WriteRetryBaseWait = 25 * time.Millisecond
)

// IsBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & sqlitePrimaryErrMask {
		case sqlitePrimaryBusy, sqlitePrimaryLocked:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

// WithWriteRetry runs fn, retrying with linear backoff while it fails busy.
func WithWriteRetry(fn func() error) error {
	var lastBusyErr error
	for attempt := 0; attempt < WriteRetryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		lastBusyErr = err
		if attempt < WriteRetryAttempts-1 {
			time.Sleep(WriteRetryBaseWait * time.Duration(attempt+1))
		}
	}
	return lastBusyErr
}
