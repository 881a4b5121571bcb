package shmmap

import (
	"github.com/go-kit/log/level"

	"github.com/sharedmap/sharedmap/pkg/shmseg"
)

// rotateSnapshotLocked implements §4.5's rotation algorithm. Callers must
// already hold the lock. Steps: remember the old snapshot name; serialize
// the full (already-caught-up) cache; acquire/reuse/create the snapshot
// segment per the fixed-vs-dynamic sizing rule; write the framed payload;
// publish name -> epoch -> stream_end=0, in that order, so any reader
// observing a partial publish always sees a self-consistent prefix of it;
// finally unlink the superseded dynamic segment, if any.
func (m *Map) rotateSnapshotLocked() error {
	m.cacheMu.RLock()
	payload := encodeSnapshot(m.cache)
	m.cacheMu.RUnlock()

	frame := encodeFrame(payload)
	oldName := readSnapshotName(m.control.Data)
	fixedSize := loadSnapshotFixedSize(m.control.Data)
	dynamic := fixedSize == 0

	newSeg, newName, err := m.acquireSnapshotSegment(dynamic, fixedSize, oldName, frame)
	if err != nil {
		return err
	}

	copy(newSeg.Data, frame)

	// Publish order: payload is already written above; now name, then
	// epoch, then stream_end=0. Readers racing this sequence must
	// tolerate any interleaving of these three writes.
	writeSnapshotName(m.control.Data, newName)
	newEpoch := loadSnapshotEpoch(m.control.Data) + 1
	storeSnapshotEpoch(m.control.Data, newEpoch)
	storeStreamEnd(m.control.Data, 0)

	m.cacheMu.Lock()
	m.localSnapshotEpoch = newEpoch
	m.localStreamPos = 0
	m.cacheMu.Unlock()

	oldSeg := m.snap
	m.snap = newSeg

	if dynamic && oldName != "" && oldName != newName {
		if oldSeg != nil && oldSeg.Name == oldName {
			_ = oldSeg.Close()
		}
		if err := shmseg.Unlink(oldName); err != nil {
			level.Error(m.logger()).Log("msg", "unlink superseded snapshot failed", "name", m.opts.Name, "snapshot", oldName, "err", err)
		}
	} else if oldSeg != nil && oldSeg != newSeg && oldSeg.Name != newName {
		_ = oldSeg.Close()
	}

	level.Info(m.logger()).Log("msg", "snapshot rotation", "name", m.opts.Name, "epoch", newEpoch, "snapshot", newName)
	return nil
}

// acquireSnapshotSegment resolves which segment the new snapshot payload
// gets written to: the single fixed N_full segment (reusing it across
// rotations, failing with ErrFullDumpMemoryFull if it's too small), or a
// fresh dynamically-sized, OS-assigned segment.
func (m *Map) acquireSnapshotSegment(dynamic bool, fixedSize uint32, oldName string, frame []byte) (*shmseg.Segment, string, error) {
	if !dynamic {
		name := fixedSnapName(m.opts.Name)
		if uint32(len(frame)) > fixedSize {
			return nil, "", ErrFullDumpMemoryFull
		}
		if m.snap != nil && m.snap.Name == name {
			return m.snap, name, nil
		}
		if shmseg.Exists(name) {
			seg, err := shmseg.Attach(name)
			if err != nil {
				return nil, "", err
			}
			return seg, name, nil
		}
		seg, err := shmseg.Create(name, int64(fixedSize))
		if err != nil {
			return nil, "", err
		}
		return seg, name, nil
	}

	name, err := shmseg.RandomName(m.opts.Name + "_snap-")
	if err != nil {
		return nil, "", err
	}
	seg, err := shmseg.Create(name, int64(len(frame)))
	if err != nil {
		return nil, "", err
	}
	_ = oldName // unlinked by the caller once the new segment is published
	return seg, name, nil
}
