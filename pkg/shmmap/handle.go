package shmmap

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sharedmap/sharedmap/pkg/shmlock"
	"github.com/sharedmap/sharedmap/pkg/shmregistry"
	"github.com/sharedmap/sharedmap/pkg/shmseg"
)

// Map is a handle onto a named, cross-process synchronized key-value map.
// Each handle keeps a private decoded cache plus stream-position/
// snapshot-epoch cursors; the three shared segments (control, log,
// snapshot) are the only state actually shared across processes. A
// single *Map is meant to be owned by one process (or, within a process,
// one goroutine at a time) the way a single handle owns its lock
// recursion count; give each concurrent goroutine its own Attach'd
// handle rather than sharing one.
type Map struct {
	opts    Options
	creator bool

	control *shmseg.Segment
	logSeg  *shmseg.Segment
	snap    *shmseg.Segment // currently-attached snapshot segment, may be nil until first load

	lock shmlock.Locker

	cacheMu            sync.RWMutex
	cache              map[string][]byte
	localStreamPos     uint32
	localSnapshotEpoch uint32

	closeOnce sync.Once
	closed    bool
	closedMu  sync.Mutex
}

func logSegName(name string) string  { return name + "_memory" }
func fixedSnapName(name string) string { return name + "_full" }

// Create allocates the control and log segments for a brand-new map,
// zeroes the header, and marks this handle as the creator.
func Create(opts ...Option) (*Map, error) {
	o := NewOptions(opts...)
	o.Create = CreateYes
	return open(o)
}

// Attach opens an existing map's control and log segments. It never
// creates one; ParameterMismatch is returned if this handle's options
// disagree with what's recorded in the existing control segment.
func Attach(opts ...Option) (*Map, error) {
	o := NewOptions(opts...)
	o.Create = CreateNo
	return open(o)
}

// Open dispatches on o.Create (auto/yes/no), the general entry point
// sharedmapctl uses.
func Open(opts ...Option) (*Map, error) {
	return open(NewOptions(opts...))
}

func open(o Options) (*Map, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	exists := shmseg.Exists(o.Name)
	var creator bool
	switch o.Create {
	case CreateYes:
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, o.Name)
		}
		creator = true
	case CreateNo:
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrCannotAttach, o.Name)
		}
		creator = false
	case CreateAuto:
		creator = !exists
	}

	if creator {
		return createMap(o)
	}
	return attachMap(o)
}

func createMap(o Options) (*Map, error) {
	control, err := shmseg.Create(o.Name, int64(ControlHeaderSize))
	if err != nil {
		return nil, err
	}

	hdr := controlHeader{
		SharedLockFlag: boolToU8(o.SharedLock),
		RecurseFlag:    boolToU8(o.Recurse),
	}
	copy(control.Data, encodeControlHeader(hdr))

	logSeg, err := shmseg.Create(logSegName(o.Name), int64(o.BufferSize))
	if err != nil {
		control.Close()
		_ = shmseg.Unlink(o.Name)
		return nil, err
	}

	if o.FullDumpSize > 0 {
		storeSnapshotFixedSize(control.Data, o.FullDumpSize)
	}

	m := newHandle(o, true, control, logSeg)
	level.Info(o.Logger).Log("msg", "map created", "name", o.Name)
	return m, nil
}

func attachMap(o Options) (*Map, error) {
	control, err := shmseg.Attach(o.Name)
	if err != nil {
		return nil, err
	}
	if len(control.Data) < ControlHeaderSize {
		control.Close()
		return nil, fmt.Errorf("%w: control segment %s too small", ErrLogCorrupt, o.Name)
	}

	if loadSharedLockFlag(control.Data) != o.SharedLock {
		control.Close()
		return nil, fmt.Errorf("%w: shared_lock", ErrParameterMismatch)
	}
	if loadRecurseFlag(control.Data) != o.Recurse {
		control.Close()
		return nil, fmt.Errorf("%w: recurse", ErrParameterMismatch)
	}

	logSeg, err := shmseg.Attach(logSegName(o.Name))
	if err != nil {
		control.Close()
		return nil, err
	}

	m := newHandle(o, false, control, logSeg)
	level.Info(o.Logger).Log("msg", "map attached", "name", o.Name)
	return m, nil
}

func newHandle(o Options, creator bool, control, logSeg *shmseg.Segment) *Map {
	var lock shmlock.Locker
	if o.SharedLock {
		lock = shmlock.NewShared(control.Data, o.Pid)
	} else {
		lock = shmlock.NewLocal()
	}

	m := &Map{
		opts:    o,
		creator: creator,
		control: control,
		logSeg:  logSeg,
		lock:    lock,
		cache:   make(map[string][]byte),
	}
	runtime.SetFinalizer(m, (*Map).Close)
	return m
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (m *Map) checkOpen() error {
	m.closedMu.Lock()
	defer m.closedMu.Unlock()
	if m.closed {
		return ErrAlreadyClosed
	}
	return nil
}

// Close releases a held process-local lock, drops the mmap views, and
// closes the underlying segment file descriptors. A shared lock is never
// released here: its lock word and owner PID are left as they are, whoever
// holds it. Idempotent and finalizer-guarded.
func (m *Map) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closedMu.Lock()
		m.closed = true
		m.closedMu.Unlock()

		if !m.opts.SharedLock {
			m.lock.Reset()
		}
		if m.snap != nil {
			if cerr := m.snap.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if cerr := m.logSeg.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := m.control.Close(); cerr != nil && err == nil {
			err = cerr
		}
		runtime.SetFinalizer(m, nil)
	})
	return err
}

// Unlink closes the handle (if not already closed) and removes the
// control, log, and named-snapshot segments. Non-creators must pass
// force=true or Unlink refuses, mirroring the spec's
// creator-or-force-required rule.
func (m *Map) Unlink(force bool) error {
	if !m.creator && !force {
		return fmt.Errorf("shmmap: Unlink requires force=true for a non-creator handle")
	}

	name := m.opts.Name
	recursive := m.opts.Recurse
	var snapName string
	if m.checkOpen() == nil {
		snapName = readSnapshotName(m.control.Data)
	} else if control, err := shmseg.Attach(name); err == nil {
		snapName = readSnapshotName(control.Data)
		control.Close()
	}

	if err := m.Close(); err != nil {
		return err
	}

	if recursive {
		// Each child's own registry is swept before the child itself, so
		// nested children at every depth are removed.
		var sweep func(child string) error
		sweep = func(child string) error {
			if err := shmregistry.UnlinkAll(child, sweep); err != nil {
				return err
			}
			return UnlinkByName(child)
		}
		if err := shmregistry.UnlinkAll(name, sweep); err != nil {
			return fmt.Errorf("shmmap: sweep child maps of %s: %w", name, err)
		}
	}

	if err := shmseg.Unlink(logSegName(name)); err != nil {
		return err
	}
	if snapName != "" {
		if err := shmseg.Unlink(snapName); err != nil {
			return err
		}
	}
	if err := shmseg.Unlink(fixedSnapName(name)); err != nil {
		return err
	}
	return shmseg.Unlink(name)
}

// UnlinkByName removes a map's segments by name without an open handle,
// best-effort, per the spec's static-utility framing of unlink_by_name.
func UnlinkByName(name string) error {
	control, err := shmseg.Attach(name)
	var snapName string
	if err == nil {
		snapName = readSnapshotName(control.Data)
		control.Close()
	}
	if err := shmseg.Unlink(logSegName(name)); err != nil {
		return err
	}
	if snapName != "" {
		if err := shmseg.Unlink(snapName); err != nil {
			return err
		}
	}
	if err := shmseg.Unlink(fixedSnapName(name)); err != nil {
		return err
	}
	return shmseg.Unlink(name)
}

// StealLock forcibly reassigns the shared lock to this handle, regardless
// of whether the current holder is alive, exposed for operator tooling
// (cmd/sharedmapctl's "lock steal") to recover from a wedged process.
func (m *Map) StealLock() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return shmlock.Steal(m.lock)
}

// Status reports this handle's diagnostic view. On a closed handle only
// Name and Creator are filled in.
func (m *Map) Status() Status {
	if m.checkOpen() != nil {
		return Status{Name: m.opts.Name, Creator: m.creator}
	}
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return Status{
		Name:               m.opts.Name,
		Creator:            m.creator,
		StreamEnd:          loadStreamEnd(m.control.Data),
		LocalStreamPos:     m.localStreamPos,
		SnapshotEpoch:      loadSnapshotEpoch(m.control.Data),
		LocalSnapshotEpoch: m.localSnapshotEpoch,
		SnapshotName:       readSnapshotName(m.control.Data),
		CachedEntries:      len(m.cache),
		Lock:               m.lock.Status(),
	}
}

func (m *Map) logger() log.Logger { return m.opts.Logger }
