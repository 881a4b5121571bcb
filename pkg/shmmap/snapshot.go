package shmmap

import (
	"encoding/binary"
	"fmt"
)

// A snapshot's full-dump payload: a flat sequence of keyLen:u32_le | key |
// valLen:u32_le | val records, reusing the same field shapes as an update
// payload (minus op_flag, since a dump has no deletes) so that the
// sentinel/length framing code in log.go is shared verbatim between the
// log stream and a freshly-loaded snapshot.

func encodeSnapshot(entries map[string][]byte) []byte {
	size := 0
	for k, v := range entries {
		size += 4 + len(k) + 4 + len(v)
	}
	buf := make([]byte, 0, size)
	for k, v := range entries {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(k)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, k...)
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, v...)
	}
	return buf
}

func decodeSnapshot(buf []byte) (map[string][]byte, error) {
	entries := make(map[string][]byte)
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("%w: snapshot key length truncated", ErrLogCorrupt)
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+keyLen+4 > len(buf) {
			return nil, fmt.Errorf("%w: snapshot key/vallen truncated", ErrLogCorrupt)
		}
		key := string(buf[off : off+keyLen])
		off += keyLen
		valLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+valLen > len(buf) {
			return nil, fmt.Errorf("%w: snapshot value truncated", ErrLogCorrupt)
		}
		val := append([]byte(nil), buf[off:off+valLen]...)
		off += valLen
		entries[key] = val
	}
	return entries, nil
}
