package shmmap

import (
	"context"
	"fmt"

	"github.com/sharedmap/sharedmap/pkg/shmlock"
)

// Set serializes value with this handle's Codec and stores it under key.
// When this handle was opened with WithRecurse(true) and value is a
// map[string]any, it is materialized as its own child map instead (see
// recurse.go) and a reference record is stored in its place.
func (m *Map) Set(ctx context.Context, key string, value any) error {
	if m.opts.Recurse {
		if nested, ok := value.(map[string]any); ok {
			return m.setRecursive(ctx, key, nested, 1)
		}
	}

	data, err := m.opts.Codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("shmmap: marshal value for %q: %w", key, err)
	}
	return m.appendUpdate(ctx, opSet, key, data)
}

// SetRaw stores data directly under key, bypassing the Codec.
func (m *Map) SetRaw(ctx context.Context, key string, data []byte) error {
	return m.appendUpdate(ctx, opSet, key, data)
}

// Delete removes key from the map.
func (m *Map) Delete(ctx context.Context, key string) error {
	return m.appendUpdate(ctx, opDelete, key, nil)
}

// Update applies every key/value pair from other, in unspecified order,
// equivalent to calling Set once per entry.
func (m *Map) Update(ctx context.Context, other map[string]any) error {
	for k, v := range other {
		if err := m.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// appendUpdate implements §4.3's append_update algorithm: apply_update()
// first to catch up, then acquire the lock and catch up once more under it
// (so records appended by other writers in between are in the cache before
// this op's mutation and before any rotation dumps it), mutate the cache, serialize
// and frame the payload, compute E = S + L + 6, rotate the snapshot if E
// would overflow the log segment, write the frame, and publish the new
// stream_end — cache mutation and log append both happen while the lock
// is held, mutation first, for both Set and Delete alike (the resolved
// Open Question: a rotation triggered by either op always reflects that
// op's effect in the dumped snapshot). If a rotation was needed, this
// op's effect is already part of the freshly-dumped snapshot, so the
// frame is never also appended to the reset log — appending it there too
// would double-record the write and, for a record that still doesn't fit
// in the log segment even once reset, fail a write that already
// succeeded via the snapshot.
func (m *Map) appendUpdate(ctx context.Context, op byte, key string, val []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.ApplyUpdate(); err != nil {
		return err
	}

	if err := m.lock.Acquire(ctx, shmlock.AcquireOptions{Block: true}); err != nil {
		return wrapLockErr(err)
	}
	defer m.lock.Release()
	if err := m.ApplyUpdate(); err != nil {
		return err
	}

	m.cacheMu.Lock()
	if op == opSet {
		m.cache[key] = val
	} else {
		delete(m.cache, key)
	}
	m.cacheMu.Unlock()

	payload := encodeUpdatePayload(updatePayload{op: op, key: []byte(key), val: val})
	frame := encodeFrame(payload)

	S := loadStreamEnd(m.control.Data)
	E := S + uint32(len(frame))

	if E > uint32(len(m.logSeg.Data)) {
		if err := m.rotateSnapshotLocked(); err != nil {
			return err
		}
		// The rotation just dumped the cache, which already reflects
		// this op's mutation above. Nothing left to append.
		return nil
	}

	copy(m.logSeg.Data[S:E], frame)
	storeStreamEnd(m.control.Data, E)

	m.cacheMu.Lock()
	m.localStreamPos = E
	m.cacheMu.Unlock()
	return nil
}

// Dump forces a snapshot rotation regardless of whether the log segment
// is close to full, exposed for callers (and the sharedmapctl demo) that
// want to compact the log deliberately.
func (m *Map) Dump(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.ApplyUpdate(); err != nil {
		return err
	}
	if err := m.lock.Acquire(ctx, shmlock.AcquireOptions{Block: true}); err != nil {
		return wrapLockErr(err)
	}
	defer m.lock.Release()
	if err := m.ApplyUpdate(); err != nil {
		return err
	}
	return m.rotateSnapshotLocked()
}
