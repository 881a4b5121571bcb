package shmmap

import (
	"errors"
	"fmt"
	"time"

	"github.com/sharedmap/sharedmap/pkg/shmlock"
)

// Usage errors.
var (
	// ErrAlreadyExists is returned by Create when a map of the requested
	// name is already live and CreateMode forbids reuse.
	ErrAlreadyExists = errors.New("shmmap: map already exists")
	// ErrCannotAttach is returned by Attach when no map of the requested
	// name exists.
	ErrCannotAttach = errors.New("shmmap: cannot attach, no such map")
	// ErrAlreadyClosed is returned by any operation called on a handle
	// after Close.
	ErrAlreadyClosed = errors.New("shmmap: handle already closed")
	// ErrParameterMismatch is returned by Attach when the attaching
	// handle's options disagree with the segment's recorded options
	// (e.g. shared_lock mismatch).
	ErrParameterMismatch = errors.New("shmmap: parameter mismatch with existing map")
	// ErrFullDumpMemoryFull is returned by a rotation that targets a
	// fixed-size snapshot segment too small to hold the current map.
	ErrFullDumpMemoryFull = errors.New("shmmap: full dump does not fit in fixed snapshot segment")
)

// Internal-inconsistency errors (§4.4 recovery path).
var (
	// ErrLogCorrupt is returned when the log stream's framing sentinels
	// fail validation and the retry/fallback recovery path is exhausted.
	ErrLogCorrupt = errors.New("shmmap: log stream framing corrupt")
	// ErrBufferTooSmall is returned when a configured buffer_size is
	// smaller than the minimum log segment size (one frame's overhead).
	ErrBufferTooSmall = errors.New("shmmap: buffer too small")
)

// ErrForkedWhileHeld is the value this package panics with (per the
// lock's fork-while-held prohibition) if a lock operation observes that
// the calling process differs from the one that originally acquired it.
var ErrForkedWhileHeld = errors.New("shmmap: process forked while lock held")

// LockBusyError is the boundary-level contention signal for a
// non-blocking Acquire that found the lock already held.
type LockBusyError struct {
	BlockingPID int
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("shmmap: cannot acquire lock, held by pid %d", e.BlockingPID)
}

// LockTimeoutError is the boundary-level contention signal for a timed
// Acquire that expired before the lock became available.
type LockTimeoutError struct {
	TimePassed  time.Duration
	BlockingPID int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("shmmap: timed out after %s acquiring lock held by pid %d", e.TimePassed, e.BlockingPID)
}

// wrapLockErr translates a pkg/shmlock error into this package's boundary
// error types, so callers of shmmap never need to import shmlock to do
// errors.As-based classification. A fork-while-held error is not returned
// but raised as a panic with ErrForkedWhileHeld.
func wrapLockErr(err error) error {
	if err == nil {
		return nil
	}
	var busy *shmlock.LockBusyError
	if errors.As(err, &busy) {
		return &LockBusyError{BlockingPID: busy.BlockingPID}
	}
	var timeout *shmlock.LockTimeoutError
	if errors.As(err, &timeout) {
		return &LockTimeoutError{TimePassed: timeout.TimePassed, BlockingPID: timeout.BlockingPID}
	}
	if errors.Is(err, shmlock.ErrForkedWhileHeld) {
		panic(ErrForkedWhileHeld)
	}
	return err
}
