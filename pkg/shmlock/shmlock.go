// Package shmlock implements the two lock flavors a coherence-engine handle
// can use: a process-local reentrant mutex for single-process use, and a
// shared atomic PID-CAS lock usable across processes that attach the same
// control segment.
package shmlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrForkedWhileHeld is returned (and, at the shmmap boundary, turned
	// into a panic per the fork-while-held prohibition) when a lock
	// operation is attempted by a process other than the one that
	// acquired it.
	ErrForkedWhileHeld = errors.New("shmlock: process forked while lock held")
	// ErrInvalidTimeout is returned when Acquire is called with a
	// negative timeout.
	ErrInvalidTimeout = errors.New("shmlock: invalid timeout")
)

// LockBusyError is returned by a non-blocking Acquire that could not take
// the lock immediately.
type LockBusyError struct {
	BlockingPID int
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("shmlock: cannot acquire, held by pid %d", e.BlockingPID)
}

// LockTimeoutError is returned by a timed Acquire that expired before the
// lock became available.
type LockTimeoutError struct {
	TimePassed  time.Duration
	BlockingPID int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("shmlock: timed out after %s waiting on pid %d", e.TimePassed, e.BlockingPID)
}

// AcquireOptions controls Acquire's blocking behavior.
type AcquireOptions struct {
	// Block, if true, waits (optionally up to Timeout) for the lock.
	// If false, Acquire returns a *LockBusyError immediately when
	// contended.
	Block bool
	// Timeout bounds how long a blocking Acquire waits. Zero means wait
	// indefinitely (subject to ctx cancellation).
	Timeout time.Duration
	// Sleep is the base poll interval used between spin attempts.
	Sleep time.Duration
	// StealAfterTimeout, if true, forcibly takes over the lock instead
	// of returning a timeout error once Timeout elapses.
	StealAfterTimeout bool
}

// Status reports a lock's current diagnostic state.
type Status struct {
	Locked      bool
	OwnerPID    int
	HeldByUs    bool
	RecurseDepth int
}

// Locker is the common interface both lock flavors implement.
type Locker interface {
	Acquire(ctx context.Context, opts AcquireOptions) error
	Release() error
	Reset()
	Status() Status
}

const (
	defaultSleep = 1 * time.Microsecond
)

// ---- local, process-local reentrant lock ----

type localLock struct {
	mu     sync.Mutex
	holder int64 // goroutine-agnostic: counts recursive Acquire calls by the owning "handle"
	owned  bool
}

// NewLocal returns a process-local reentrant lock. It does not actually
// need cross-goroutine mutual exclusion beyond a plain mutex because, per
// the concurrency model, reentrancy is tracked per-handle rather than
// per-goroutine: a single handle is expected to call Acquire/Release from
// one logical owner at a time.
func NewLocal() Locker {
	return &localLock{}
}

func (l *localLock) Acquire(ctx context.Context, _ AcquireOptions) error {
	if l.owned {
		l.holder++
		return nil
	}
	l.mu.Lock()
	l.owned = true
	l.holder = 1
	return nil
}

func (l *localLock) Release() error {
	if !l.owned {
		return nil
	}
	l.holder--
	if l.holder <= 0 {
		l.owned = false
		l.holder = 0
		l.mu.Unlock()
	}
	return nil
}

func (l *localLock) Reset() {
	if l.owned {
		l.owned = false
		l.holder = 0
		l.mu.Unlock()
	}
}

func (l *localLock) Status() Status {
	return Status{Locked: l.owned, HeldByUs: l.owned, RecurseDepth: int(l.holder)}
}

// ---- shared, cross-process atomic PID-CAS lock ----

// Control-header field offsets this lock operates on directly. These must
// match pkg/shmmap/header.go's layout exactly: lock_owner_pid at offset 4
// (uint32), lock_word at offset 8 (uint16, only byte 0 is meaningful).
const (
	offLockOwnerPID = 4
	offLockWord     = 8
)

// sharedLock is a spin-CAS lock living inside a control segment's mmap'd
// bytes, reentrant per-handle and recoverable from a stale holder.
//
// The state machine (register intent via CAS, spin with backoff until the
// word flips free) follows the same shape as an intention lock's
// register/CAS retry loop, generalized here from an in-process multi-state
// lock down to a single cross-process exclusive bit with PID ownership.
type sharedLock struct {
	header []byte
	pid    func() int

	mu           sync.Mutex
	acquiredPID  int
	recurseDepth int
}

// NewShared returns a lock operating on the given control segment bytes.
// pid is injected so tests can simulate multiple "processes" sharing one
// buffer; production callers pass os.Getpid.
func NewShared(header []byte, pid func() int) Locker {
	return &sharedLock{header: header, pid: pid}
}

// lockWordPtr views the 4 bytes starting at offLockWord as a uint32 so
// sync/atomic can CAS it. Only the low byte of that word is the spec's
// lock_word; the high 16 bits of this window are shared with
// snapshot_epoch's low 16 bits (the header packs lock_word as a u16
// immediately before the u32 snapshot_epoch). Every CAS here is therefore
// masked: it reads the current word, flips only bit pattern lockBitMask,
// and retries on conflict, the same register-then-CAS-retry shape
// dijkstracula-go-ilock's Mutex uses for its own packed-word state, just
// with one mask instead of four.
func lockWordPtr(header []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&header[offLockWord]))
}

func ownerPIDPtr(header []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&header[offLockOwnerPID]))
}

const lockBitMask uint32 = 0xFF

func (l *sharedLock) tryAcquire() bool {
	word := lockWordPtr(l.header)
	for {
		old := atomic.LoadUint32(word)
		if old&lockBitMask != 0 {
			return false
		}
		newWord := old | 1
		if atomic.CompareAndSwapUint32(word, old, newWord) {
			atomic.StoreUint32(ownerPIDPtr(l.header), uint32(l.pid()))
			return true
		}
	}
}

func (l *sharedLock) clearLockBit() {
	word := lockWordPtr(l.header)
	for {
		old := atomic.LoadUint32(word)
		newWord := old &^ lockBitMask
		if atomic.CompareAndSwapUint32(word, old, newWord) {
			return
		}
	}
}

func (l *sharedLock) currentOwner() int {
	return int(atomic.LoadUint32(ownerPIDPtr(l.header)))
}

func (l *sharedLock) checkNotForked() error {
	if l.recurseDepth > 0 && l.acquiredPID != 0 && l.acquiredPID != l.pid() {
		return ErrForkedWhileHeld
	}
	return nil
}

func (l *sharedLock) Acquire(ctx context.Context, opts AcquireOptions) error {
	if opts.Timeout < 0 {
		return ErrInvalidTimeout
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkNotForked(); err != nil {
		return err
	}

	// Reentrant: the current process already holds the lock.
	if l.recurseDepth > 0 && l.currentOwner() == l.pid() {
		l.recurseDepth++
		return nil
	}

	if l.tryAcquire() {
		l.acquiredPID = l.pid()
		l.recurseDepth = 1
		return nil
	}

	if !opts.Block {
		return &LockBusyError{BlockingPID: l.currentOwner()}
	}

	sleep := opts.Sleep
	if sleep <= 0 {
		sleep = defaultSleep
	}

	start := time.Now()
	var deadline time.Time
	hasDeadline := opts.Timeout > 0
	if hasDeadline {
		deadline = start.Add(opts.Timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return &LockTimeoutError{TimePassed: time.Since(start), BlockingPID: l.currentOwner()}
		default:
		}

		if l.tryAcquire() {
			l.acquiredPID = l.pid()
			l.recurseDepth = 1
			return nil
		}

		if hasDeadline && time.Now().After(deadline) {
			if opts.StealAfterTimeout {
				l.forceAcquire()
				l.acquiredPID = l.pid()
				l.recurseDepth = 1
				return nil
			}
			return &LockTimeoutError{TimePassed: time.Since(start), BlockingPID: l.currentOwner()}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &LockTimeoutError{TimePassed: time.Since(start), BlockingPID: l.currentOwner()}
		case <-timer.C:
		}
	}
}

// forceAcquire unconditionally takes ownership, used by StealAfterTimeout
// and the explicit Steal/StealFromDead recovery path.
func (l *sharedLock) forceAcquire() {
	word := lockWordPtr(l.header)
	for {
		old := atomic.LoadUint32(word)
		newWord := (old &^ lockBitMask) | 1
		if atomic.CompareAndSwapUint32(word, old, newWord) {
			break
		}
	}
	atomic.StoreUint32(ownerPIDPtr(l.header), uint32(l.pid()))
}

func (l *sharedLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkNotForked(); err != nil {
		return err
	}
	if l.recurseDepth == 0 {
		return nil
	}
	l.recurseDepth--
	if l.recurseDepth > 0 {
		return nil
	}
	atomic.StoreUint32(ownerPIDPtr(l.header), 0)
	l.clearLockBit()
	l.acquiredPID = 0
	return nil
}

func (l *sharedLock) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	atomic.StoreUint32(ownerPIDPtr(l.header), 0)
	l.clearLockBit()
	l.acquiredPID = 0
	l.recurseDepth = 0
}

func (l *sharedLock) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner := l.currentOwner()
	return Status{
		Locked:       owner != 0,
		OwnerPID:     owner,
		HeldByUs:     l.recurseDepth > 0 && owner == l.pid(),
		RecurseDepth: l.recurseDepth,
	}
}

// Steal forcibly takes ownership of the lock regardless of its current
// holder. Callers are expected to have already decided the current holder
// is gone or misbehaving.
func Steal(l Locker) error {
	sl, ok := l.(*sharedLock)
	if !ok {
		l.Reset()
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.forceAcquire()
	sl.acquiredPID = sl.pid()
	sl.recurseDepth = 1
	return nil
}

// StealFromDead steals the lock only if the current owner PID is no
// longer alive, checked via a signal-0 kill(2) the same way the original
// source's liveness probe does. Returns false without acting if the owner
// is still alive.
func StealFromDead(l Locker) (bool, error) {
	sl, ok := l.(*sharedLock)
	if !ok {
		return false, nil
	}
	sl.mu.Lock()
	owner := sl.currentOwner()
	sl.mu.Unlock()

	if owner == 0 {
		return false, nil
	}
	if processAlive(owner) {
		return false, nil
	}
	return true, Steal(l)
}

// processAlive reports whether pid refers to a live process, using
// kill(pid, 0): ESRCH means dead, nil or EPERM means alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.ESRCH) {
		return false
	}
	// EPERM (exists, owned by someone else) or any other error: assume
	// alive rather than risk stealing a live lock.
	return true
}

// CheckNotForked compares l's cached acquisition PID against the current
// process id and returns ErrForkedWhileHeld if the lock is held by a
// process other than the one that acquired it, e.g. after a fork(2).
func CheckNotForked(l Locker) error {
	sl, ok := l.(*sharedLock)
	if !ok {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.checkNotForked()
}
