package repo

import (
	"errors"
	"strings"
)

// StorageError wraps a database failure with the operation that hit it
// and whether a retry might succeed.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrapStorage classifies err. Sentinels pass through untouched so
// callers can keep matching them with errors.Is.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	msg := strings.ToLower(err.Error())
	retryable := strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "connection")
	return &StorageError{Op: op, Retryable: retryable, Err: err}
}
