package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrTableUnavailable  = errors.New("tablestore: table unavailable")
	ErrAlreadyClaimed    = errors.New("tablestore: segment already claimed by another transaction")
	ErrDuplicateSnapshot = errors.New("tablestore: snapshot already exists")
	ErrCorruptSegment    = errors.New("tablestore: corrupt segment")
	ErrTxnNotOpen        = errors.New("tablestore: transaction not open")
	ErrGuardrailRejected = errors.New("tablestore: rejected by guardrail")
	ErrClosed            = errors.New("tablestore: closed")
)

// StorageIOError wraps a filesystem failure with the operation and path
// that produced it, so disk faults stay distinguishable from logic errors.
type StorageIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("tablestore: storage io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageIOError) Unwrap() error {
	return e.Err
}

// NewStorageIO wraps err as a StorageIOError. Returns nil for a nil err.
func NewStorageIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageIOError{Op: op, Path: path, Err: err}
}

// IsStorageIO reports whether err carries a StorageIOError.
func IsStorageIO(err error) bool {
	var ioErr *StorageIOError
	return errors.As(err, &ioErr)
}
