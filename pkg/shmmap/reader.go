package shmmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/sharedmap/sharedmap/pkg/shmlock"
	"github.com/sharedmap/sharedmap/pkg/shmseg"
)

// Bounded-retry parameters for the locked-recheck fallback of §4.4's
// apply_update, grounded on this repo's own seqlock-style reader retry
// pair (readMaxRetries/readBackoff) that solves the identical
// bounded-retry-under-contention problem for a different data structure.
const (
	readMaxRetries     = 10
	readInitialBackoff = 50 * time.Microsecond
	readMaxBackoff      = 1 * time.Millisecond
)

func readBackoff(attempt int) time.Duration {
	d := readInitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= readMaxBackoff {
			return readMaxBackoff
		}
	}
	return d
}

// ApplyUpdate is the reader's lock-free fast path: it checks
// snapshot_epoch first (forcing a snapshot reload if this handle has
// fallen behind), then replays the log stream from local_stream_pos to
// the shared stream_end. It is called automatically at the top of every
// read and write operation, and is also exposed directly so a caller can
// force a catch-up without touching a key.
func (m *Map) ApplyUpdate() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.maybeReloadSnapshot(); err != nil {
		return err
	}
	return m.replayWithRetry()
}

func (m *Map) currentEpochs() (shared, local uint32) {
	shared = loadSnapshotEpoch(m.control.Data)
	m.cacheMu.RLock()
	local = m.localSnapshotEpoch
	m.cacheMu.RUnlock()
	return
}

// maybeReloadSnapshot implements the resolved Open Question: the epoch
// check always runs, unconditionally, not only after a torn read.
func (m *Map) maybeReloadSnapshot() error {
	shared, local := m.currentEpochs()
	if shared <= local {
		return nil
	}
	return m.loadSnapshot(shared)
}

func (m *Map) loadSnapshot(epoch uint32) error {
	name := readSnapshotName(m.control.Data)
	if name == "" {
		if epoch != 0 {
			// Invariant: an empty snapshot name must never coexist with
			// a nonzero epoch. This is a boundary assertion, not a
			// recoverable condition.
			panic("shmmap: invariant violated: empty snapshot name with nonzero epoch")
		}
		return nil
	}

	var seg *shmseg.Segment
	if m.snap != nil && m.snap.Name == name {
		seg = m.snap
	} else {
		attached, err := shmseg.Attach(name)
		if err != nil {
			return fmt.Errorf("%w: attach snapshot %s: %v", ErrLogCorrupt, name, err)
		}
		if m.snap != nil {
			m.snap.Close()
		}
		m.snap = attached
		seg = attached
	}

	payload, _, err := decodeFrame(seg.Data)
	if err != nil {
		return err
	}
	entries, err := decodeSnapshot(payload)
	if err != nil {
		return err
	}

	m.cacheMu.Lock()
	m.cache = entries
	m.localSnapshotEpoch = epoch
	// A snapshot load always starts replay from the beginning of the log
	// segment, never from the shared stream_end: rotation resets
	// stream_end to 0 and every byte written since then is a
	// post-rotation append that is not reflected in the snapshot just
	// loaded. Treating the current end as "already caught up" would
	// permanently skip those records.
	m.localStreamPos = 0
	m.cacheMu.Unlock()
	return nil
}

// replayWithRetry consumes log frames from local_stream_pos up to the
// shared stream_end. On a framing validation failure it checks whether
// snapshot_epoch has advanced (a rotation raced the read) and, if so,
// reloads and retries; otherwise it escalates through a bounded, backed-
// off retry loop and finally a single locked recheck before giving up
// with a fatal error.
func (m *Map) replayWithRetry() error {
	attempt := 0
	for {
		err := m.replayOnce()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLogCorrupt) {
			return err
		}

		if shared, local := m.currentEpochs(); shared > local {
			if rerr := m.loadSnapshot(shared); rerr != nil {
				return rerr
			}
			continue
		}

		attempt++
		if attempt > readMaxRetries {
			return m.lockedRecheck(err)
		}
		time.Sleep(readBackoff(attempt))
	}
}

// lockedRecheck is the "last resort" escalation: acquire the lock (which
// serializes against any in-flight writer/rotation) and retry replay once
// more while holding it. If it still fails, the inconsistency is real and
// fatal.
func (m *Map) lockedRecheck(cause error) error {
	level.Warn(m.logger()).Log("msg", "log replay retries exhausted, escalating to locked recheck", "name", m.opts.Name)

	if err := m.lock.Acquire(context.Background(), shmlock.AcquireOptions{Block: true}); err != nil {
		return wrapLockErr(err)
	}
	defer m.lock.Release()

	if shared, local := m.currentEpochs(); shared > local {
		if err := m.loadSnapshot(shared); err != nil {
			return err
		}
	}
	if err := m.replayOnce(); err != nil {
		level.Error(m.logger()).Log("msg", "log stream corrupt after locked recheck", "name", m.opts.Name, "err", err)
		return fmt.Errorf("%w (after locked recheck, original: %v)", ErrLogCorrupt, cause)
	}
	return nil
}

// replayOnce performs a single, non-retrying pass over any frames between
// local_stream_pos and the shared stream_end.
func (m *Map) replayOnce() error {
	shared := loadStreamEnd(m.control.Data)

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	pos := m.localStreamPos
	if pos > shared {
		// The stream end moved backward under us: a rotation reset it
		// to zero concurrently with this read. Surface this as a
		// framing inconsistency so the caller's retry loop re-checks
		// the epoch and reloads from the fresh snapshot instead of
		// silently treating already-consumed bytes as caught up.
		return fmt.Errorf("%w: stream_end moved backward (rotation raced replay)", ErrLogCorrupt)
	}

	for pos < shared {
		window := m.logSeg.Data[pos:shared]
		payload, frameLen, err := decodeFrame(window)
		if err != nil {
			return err
		}
		up, err := decodeUpdatePayload(payload)
		if err != nil {
			return err
		}
		switch up.op {
		case opSet:
			m.cache[string(up.key)] = up.val
		case opDelete:
			delete(m.cache, string(up.key))
		}
		pos += uint32(frameLen)
	}
	m.localStreamPos = pos
	return nil
}
