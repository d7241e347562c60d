package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the storage engine. Callers should use
// errors.Is to check for them, since operations wrap them with context.
var (
	// ErrBadFormat is returned when a master file's header fails to
	// validate (bad magic or unsupported version).
	ErrBadFormat = errors.New("storage: bad master file format")

	// ErrChecksumMismatch is returned when a segment header's checksum
	// does not match its contents.
	ErrChecksumMismatch = errors.New("storage: segment checksum mismatch")

	// ErrStreamClosed is returned by any operation on a StorageStream
	// after Close has been called on it.
	ErrStreamClosed = errors.New("storage: stream is closed")

	// ErrNoSuchStream is returned by OpenStream and DeleteStream when
	// the requested stream id has no entry in the stream table.
	ErrNoSuchStream = errors.New("storage: no such stream")

	// ErrDuplicateStream is returned by CreateStream when the
	// requested stream id already has an entry in the stream table.
	ErrDuplicateStream = errors.New("storage: duplicate stream")

	// ErrOutOfBounds is returned when seek/read parameters are
	// inconsistent with a stream's length.
	ErrOutOfBounds = errors.New("storage: out of bounds")

	// ErrTransactionConflict is returned when a rollback finds a
	// truncated journal entry. No commit path returns it.
	ErrTransactionConflict = errors.New("storage: transaction conflict during commit")

	// ErrNoTransaction is returned by CommitTransaction/RollbackTransaction
	// when no transaction is currently open.
	ErrNoTransaction = errors.New("storage: no transaction in progress")
)

// IOError wraps an underlying I/O failure from the master file or the
// journal, per §7's IO error kind.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: io error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}
