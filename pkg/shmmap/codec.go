package shmmap

import "encoding/json"

// Codec serializes values stored in the map to and from bytes. The
// coherence engine itself is codec-agnostic — the log and snapshot
// streams only ever see opaque byte slices — so the serialization
// strategy is a collaborator external to the engine's hard core, per this
// package's scope. JSONCodec and RawCodec below are the reference
// implementations this repo ships so the engine is usable out of the box.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec serializes values with encoding/json. It is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// RawCodec requires values to already be []byte (Marshal) or *[]byte
// (Unmarshal), for callers that want to bypass serialization entirely.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errRawCodecType
	}
	return b, nil
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	ptr, ok := v.(*[]byte)
	if !ok {
		return errRawCodecType
	}
	*ptr = append([]byte(nil), data...)
	return nil
}

var errRawCodecType = rawCodecTypeError{}

type rawCodecTypeError struct{}

func (rawCodecTypeError) Error() string { return "shmmap: RawCodec requires []byte / *[]byte" }
