package shmmap

import (
	"sync/atomic"
	"unsafe"
)

// Torn-read-safe accessors for the control header fields readers and
// writers touch on the lock-free fast path, mirroring the teacher's own
// atomicLoadUint64/atomicLoadInt64 helpers over mmap'd bytes: every u32
// field that participates in the reader catch-up algorithm is read and
// written through sync/atomic rather than plain slice indexing, so each
// such access observes a whole, non-torn value. The one-byte flags below
// and the snapshot_name field (header.go) use plain byte reads and writes.

func atomicLoadU32(header []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&header[off])))
}

func atomicStoreU32(header []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&header[off])), v)
}

func loadStreamEnd(header []byte) uint32     { return atomicLoadU32(header, offStreamEnd) }
func storeStreamEnd(header []byte, v uint32)  { atomicStoreU32(header, offStreamEnd, v) }
func loadSnapshotEpoch(header []byte) uint32  { return atomicLoadU32(header, offSnapshotEpoch) }
func storeSnapshotEpoch(header []byte, v uint32) { atomicStoreU32(header, offSnapshotEpoch, v) }

func loadSnapshotFixedSize(header []byte) uint32 {
	return atomicLoadU32(header, offSnapshotFixedSize)
}

func storeSnapshotFixedSize(header []byte, v uint32) {
	atomicStoreU32(header, offSnapshotFixedSize, v)
}

func loadSharedLockFlag(header []byte) bool { return header[offSharedLockFlag] != 0 }
func storeSharedLockFlag(header []byte, v bool) {
	if v {
		header[offSharedLockFlag] = 1
	} else {
		header[offSharedLockFlag] = 0
	}
}

func loadRecurseFlag(header []byte) bool { return header[offRecurseFlag] != 0 }
func storeRecurseFlag(header []byte, v bool) {
	if v {
		header[offRecurseFlag] = 1
	} else {
		header[offRecurseFlag] = 0
	}
}
