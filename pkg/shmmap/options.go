package shmmap

import (
	"os"
	"runtime"

	"github.com/go-kit/log"
)

// CreateMode controls whether Open creates a new map, attaches an
// existing one, or decides automatically.
type CreateMode int

const (
	// CreateAuto attaches if a map of the given name exists, otherwise
	// creates one.
	CreateAuto CreateMode = iota
	// CreateYes always creates, failing with ErrAlreadyExists if the
	// name is already live.
	CreateYes
	// CreateNo always attaches, failing with ErrCannotAttach if no map
	// of that name exists.
	CreateNo
)

const (
	// DefaultBufferSize is the default log segment size.
	DefaultBufferSize uint32 = 1 << 20 // 1 MiB
	// DefaultFullDumpSize of 0 means a dynamically-sized snapshot
	// segment, resized every rotation.
	DefaultFullDumpSize uint32 = 0
	// minBufferSize is the smallest log segment size that can hold even
	// one minimal framed record.
	minBufferSize = logFrameOverhead
)

// Options configures a Map's Create/Attach call. The zero value is a
// valid starting point; use the With* functional setters to customize it,
// matching the options-slice construction style this package's sibling
// log-structured packages use.
type Options struct {
	Name          string
	Create        CreateMode
	BufferSize    uint32
	FullDumpSize  uint32
	SharedLock    bool
	Codec         Codec
	AutoUnlink    bool
	Recurse       bool
	Logger        log.Logger
	Pid           func() int
}

// Option mutates an Options value.
type Option func(*Options)

func WithName(name string) Option          { return func(o *Options) { o.Name = name } }
func WithCreateMode(m CreateMode) Option    { return func(o *Options) { o.Create = m } }
func WithBufferSize(size uint32) Option     { return func(o *Options) { o.BufferSize = size } }
func WithFullDumpSize(size uint32) Option   { return func(o *Options) { o.FullDumpSize = size } }
func WithSharedLock(shared bool) Option     { return func(o *Options) { o.SharedLock = shared } }
func WithCodec(c Codec) Option              { return func(o *Options) { o.Codec = c } }
func WithAutoUnlink(auto bool) Option       { return func(o *Options) { o.AutoUnlink = auto } }
func WithRecurse(recurse bool) Option       { return func(o *Options) { o.Recurse = recurse } }
func WithLogger(l log.Logger) Option        { return func(o *Options) { o.Logger = l } }

// NewOptions builds an Options value from functional setters, applying
// defaults for anything left unset.
func NewOptions(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	o.applyDefaults()
	return o
}

func (o *Options) applyDefaults() {
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	// Windows rounds the buffer size up to a 4 KiB multiple; the
	// segment backend itself is POSIX/mmap-based everywhere this repo
	// runs, but the rounding rule is honored structurally so option
	// validation behaves identically cross-platform.
	if runtime.GOOS == "windows" {
		const page = 4096
		if rem := o.BufferSize % page; rem != 0 {
			o.BufferSize += page - rem
		}
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Pid == nil {
		o.Pid = os.Getpid
	}
}

func (o Options) validate() error {
	if o.BufferSize < uint32(minBufferSize) {
		return ErrBufferTooSmall
	}
	return nil
}
