package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	ErrClosed         = errors.New("store closed")
	ErrInvalidKey     = errors.New("setting key must not be empty")
)

// StorageError reports an I/O failure of the underlying database. Write is
// true for failed writes (a storage write error).
type StorageError struct {
	Op    string
	Write bool
	Err   error
}

func (e *StorageError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	return fmt.Sprintf("store %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is a StorageError raised by a write.
func IsWriteError(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Write
}

func ReadError(op string, err error) error  { return &StorageError{Op: op, Err: err} }
func WriteError(op string, err error) error { return &StorageError{Op: op, Write: true, Err: err} }
