package shmmap

import (
	"encoding/binary"
	"fmt"
)

// Log and snapshot record framing: 0xFF | len:u32_le | 0xFF | payload[len].
// logFrameOverhead is the 6 bytes of sentinel+length surrounding payload.
const (
	logSentinel      byte = 0xFF
	logFrameOverhead      = 6 // sentinel(1) + len(4) + sentinel(1)
)

// encodeFrame wraps payload in the sentinel/length framing and returns the
// full frame bytes, ready to be written verbatim into the log or snapshot
// stream at some offset.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, logFrameOverhead+len(payload))
	frame[0] = logSentinel
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	frame[5] = logSentinel
	copy(frame[logFrameOverhead:], payload)
	return frame
}

// decodeFrame validates and extracts the payload of a single frame
// starting at buf[0]. Returns the payload slice (aliasing buf), the total
// frame length consumed, and an error if the sentinel bytes don't match
// what framing requires — the validation failure path §4.4 escalates
// through retry then fatal error.
func decodeFrame(buf []byte) (payload []byte, frameLen int, err error) {
	if len(buf) < logFrameOverhead {
		return nil, 0, fmt.Errorf("%w: frame header truncated", ErrLogCorrupt)
	}
	if buf[0] != logSentinel {
		return nil, 0, fmt.Errorf("%w: bad leading sentinel", ErrLogCorrupt)
	}
	payloadLen := binary.LittleEndian.Uint32(buf[1:5])
	total := logFrameOverhead + int(payloadLen)
	if total > len(buf) {
		return nil, 0, fmt.Errorf("%w: frame length exceeds buffer", ErrLogCorrupt)
	}
	if buf[5] != logSentinel {
		return nil, 0, fmt.Errorf("%w: bad trailing sentinel", ErrLogCorrupt)
	}
	return buf[logFrameOverhead:total], total, nil
}
