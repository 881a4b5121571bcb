package shmmap

import (
	"encoding/binary"
	"fmt"
)

// A single log update's opaque payload: op_flag:u8 | keyLen:u32_le | key |
// valLen:u32_le | val. val is absent (valLen=0, no bytes) for a delete.
const (
	opDelete byte = 0
	opSet    byte = 1
)

type updatePayload struct {
	op  byte
	key []byte
	val []byte // nil for delete
}

func encodeUpdatePayload(p updatePayload) []byte {
	valLen := len(p.val)
	buf := make([]byte, 1+4+len(p.key)+4+valLen)
	buf[0] = p.op
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(p.key)))
	off := 5
	off += copy(buf[off:], p.key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(valLen))
	off += 4
	copy(buf[off:], p.val)
	return buf
}

func decodeUpdatePayload(buf []byte) (updatePayload, error) {
	if len(buf) < 5 {
		return updatePayload{}, fmt.Errorf("%w: update payload truncated", ErrLogCorrupt)
	}
	op := buf[0]
	keyLen := binary.LittleEndian.Uint32(buf[1:5])
	off := 5
	if off+int(keyLen)+4 > len(buf) {
		return updatePayload{}, fmt.Errorf("%w: update payload key/vallen truncated", ErrLogCorrupt)
	}
	key := buf[off : off+int(keyLen)]
	off += int(keyLen)
	valLen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if off+int(valLen) > len(buf) {
		return updatePayload{}, fmt.Errorf("%w: update payload value truncated", ErrLogCorrupt)
	}
	val := buf[off : off+int(valLen)]
	return updatePayload{op: op, key: append([]byte(nil), key...), val: append([]byte(nil), val...)}, nil
}
