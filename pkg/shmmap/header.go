package shmmap

import "encoding/binary"

// Control header field offsets (bytes from the control segment's start).
// This layout is bit-exact and normative: every field's offset and width
// is fixed, little-endian, matching the original source this package is
// a port of. The encode/decode pair below follows the same fixed-offset
// struct codec shape as this repo's ancestor file-format header.
const (
	offStreamEnd         = 0  // uint32
	offLockOwnerPID      = 4  // uint32
	offLockWord          = 8  // uint16 (byte 0 is the atomic lock flag)
	offSnapshotEpoch     = 10 // uint32
	offSnapshotFixedSize = 14 // uint32
	offSharedLockFlag    = 18 // uint8
	offRecurseFlag       = 19 // uint8
	offSnapshotName      = 20 // [255]byte
	snapshotNameLen      = 255

	// ControlHeaderSize is the fixed control segment header size: 20
	// bytes of scalar fields plus the 255-byte snapshot name field.
	ControlHeaderSize = offSnapshotName + snapshotNameLen
)

// controlHeader is the decoded, non-mmap'd view of a control segment's
// header, used when constructing a fresh header before encoding it into
// a newly created segment. Live reads/writes against an attached segment
// go directly through the accessor functions below operating on the raw
// mmap'd bytes, not through this struct, so that atomic field access
// (where required) observes the live memory rather than a stale copy.
type controlHeader struct {
	StreamEnd         uint32
	LockOwnerPID      uint32 // zero value: no owner
	LockWord          uint16
	SnapshotEpoch     uint32
	SnapshotFixedSize uint32
	SharedLockFlag    uint8
	RecurseFlag       uint8
	SnapshotName      string
}

// encodeControlHeader serializes h into a freshly allocated
// ControlHeaderSize-byte buffer.
func encodeControlHeader(h controlHeader) []byte {
	buf := make([]byte, ControlHeaderSize)
	binary.LittleEndian.PutUint32(buf[offStreamEnd:], h.StreamEnd)
	binary.LittleEndian.PutUint32(buf[offLockOwnerPID:], h.LockOwnerPID)
	binary.LittleEndian.PutUint16(buf[offLockWord:], h.LockWord)
	binary.LittleEndian.PutUint32(buf[offSnapshotEpoch:], h.SnapshotEpoch)
	binary.LittleEndian.PutUint32(buf[offSnapshotFixedSize:], h.SnapshotFixedSize)
	buf[offSharedLockFlag] = h.SharedLockFlag
	buf[offRecurseFlag] = h.RecurseFlag
	copy(buf[offSnapshotName:offSnapshotName+snapshotNameLen], h.SnapshotName)
	return buf
}

// decodeControlHeader reads a controlHeader out of raw mmap'd bytes. Not
// used on any hot read/write path (those read individual fields via
// atomic loads below); primarily useful for diagnostics and tests.
func decodeControlHeader(buf []byte) controlHeader {
	var h controlHeader
	h.StreamEnd = binary.LittleEndian.Uint32(buf[offStreamEnd:])
	h.LockOwnerPID = binary.LittleEndian.Uint32(buf[offLockOwnerPID:])
	h.LockWord = binary.LittleEndian.Uint16(buf[offLockWord:])
	h.SnapshotEpoch = binary.LittleEndian.Uint32(buf[offSnapshotEpoch:])
	h.SnapshotFixedSize = binary.LittleEndian.Uint32(buf[offSnapshotFixedSize:])
	h.SharedLockFlag = buf[offSharedLockFlag]
	h.RecurseFlag = buf[offRecurseFlag]
	h.SnapshotName = decodeSnapshotName(buf[offSnapshotName : offSnapshotName+snapshotNameLen])
	return h
}

func decodeSnapshotName(field []byte) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// writeSnapshotName writes name (NUL-padded) into the control segment's
// snapshot_name field. Callers must hold the lock: this is one of the
// fields mutated only by the lock holder, per the shared-resource policy.
func writeSnapshotName(header []byte, name string) {
	field := header[offSnapshotName : offSnapshotName+snapshotNameLen]
	for i := range field {
		field[i] = 0
	}
	copy(field, name)
}

func readSnapshotName(header []byte) string {
	return decodeSnapshotName(header[offSnapshotName : offSnapshotName+snapshotNameLen])
}
