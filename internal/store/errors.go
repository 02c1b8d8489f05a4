package store

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrMissingKey       = errors.New("item has no key")
	ErrInvalidItem      = errors.New("item is not a JSON object")
)

// StorageError reports a durable-store operation that was not applied.
// Code carries the SQLite result code when the engine reported one.
type StorageError struct {
	Op        string
	Partition string
	Code      int
	Err       error
}

func (e *StorageError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("store %s %s: %v (code %d)", e.Op, e.Partition, e.Err, e.Code)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Partition, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// newStorageError wraps err, lifting the engine code out of a sqlite error.
func newStorageError(op, partition string, err error) error {
	if err == nil {
		return nil
	}
	se := &StorageError{Op: op, Partition: partition, Err: err}
	var engineErr *sqlite.Error
	if errors.As(err, &engineErr) {
		se.Code = engineErr.Code()
	}
	return se
}
