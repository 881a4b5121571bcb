package shmlock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func ptrAt(b []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&b[off])
}

func selfPID() int { return os.Getpid() }

func newTestHeader() []byte {
	return make([]byte, 32)
}

func TestLocal_ReentrantAcquireRelease(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, AcquireOptions{}))
	require.NoError(t, l.Acquire(ctx, AcquireOptions{}))
	require.NoError(t, l.Acquire(ctx, AcquireOptions{}))
	require.Equal(t, 3, l.Status().RecurseDepth)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	require.True(t, l.Status().Locked)
	require.NoError(t, l.Release())
	require.False(t, l.Status().Locked)
}

func TestShared_MutualExclusion(t *testing.T) {
	header := newTestHeader()
	var counter int64
	var wg sync.WaitGroup

	const goroutines = 8
	const iterations = 200

	for i := 0; i < goroutines; i++ {
		pid := i + 1
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			l := NewShared(header, func() int { return pid })
			for j := 0; j < iterations; j++ {
				require.NoError(t, l.Acquire(context.Background(), AcquireOptions{Block: true, Sleep: time.Microsecond}))
				counter++
				require.NoError(t, l.Release())
			}
		}(pid)
	}
	wg.Wait()
	require.EqualValues(t, goroutines*iterations, counter)
}

func TestShared_NonBlockingBusy(t *testing.T) {
	header := newTestHeader()
	l1 := NewShared(header, func() int { return 1 })
	l2 := NewShared(header, func() int { return 2 })

	require.NoError(t, l1.Acquire(context.Background(), AcquireOptions{}))

	err := l2.Acquire(context.Background(), AcquireOptions{Block: false})
	require.Error(t, err)
	var busy *LockBusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, 1, busy.BlockingPID)

	require.NoError(t, l1.Release())
	require.NoError(t, l2.Acquire(context.Background(), AcquireOptions{Block: false}))
	require.NoError(t, l2.Release())
}

func TestShared_TimeoutWithoutSteal(t *testing.T) {
	header := newTestHeader()
	l1 := NewShared(header, func() int { return 1 })
	l2 := NewShared(header, func() int { return 2 })

	require.NoError(t, l1.Acquire(context.Background(), AcquireOptions{}))

	err := l2.Acquire(context.Background(), AcquireOptions{
		Block:   true,
		Timeout: 20 * time.Millisecond,
		Sleep:   time.Millisecond,
	})
	require.Error(t, err)
	var timeoutErr *LockTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 1, timeoutErr.BlockingPID)
}

func TestShared_StealAfterTimeout(t *testing.T) {
	header := newTestHeader()
	l1 := NewShared(header, func() int { return 1 })
	l2 := NewShared(header, func() int { return 2 })

	require.NoError(t, l1.Acquire(context.Background(), AcquireOptions{}))

	require.NoError(t, l2.Acquire(context.Background(), AcquireOptions{
		Block:             true,
		Timeout:           10 * time.Millisecond,
		Sleep:             time.Millisecond,
		StealAfterTimeout: true,
	}))
	require.True(t, l2.Status().HeldByUs)
}

func TestShared_StealFromDeadOwner(t *testing.T) {
	header := newTestHeader()
	// Use our own PID as the "dead" holder's PID is impossible to fake
	// portably; instead verify StealFromDead declines to act on a live
	// PID (our own process) and Steal unconditionally succeeds.
	l1 := NewShared(header, selfPID)
	require.NoError(t, l1.Acquire(context.Background(), AcquireOptions{}))

	l2 := NewShared(header, func() int { return selfPID() + 1 })
	stole, err := StealFromDead(l2)
	require.NoError(t, err)
	require.False(t, stole, "owner PID is our own live process, must not be stolen")

	require.NoError(t, Steal(l2))
	require.True(t, l2.Status().HeldByUs)
}

func TestShared_ContextCancellation(t *testing.T) {
	header := newTestHeader()
	l1 := NewShared(header, func() int { return 1 })
	l2 := NewShared(header, func() int { return 2 })
	require.NoError(t, l1.Acquire(context.Background(), AcquireOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := l2.Acquire(ctx, AcquireOptions{Block: true, Sleep: time.Millisecond})
	require.Error(t, err)
}

func TestShared_PreservesAdjacentEpochBits(t *testing.T) {
	header := newTestHeader()
	// Write a nonzero snapshot_epoch (offset 10, 4 bytes) before any
	// lock activity, and confirm acquiring/releasing the lock word at
	// offset 8 never disturbs it.
	epochPtr := (*uint32)(ptrAt(header, 10))
	atomic.StoreUint32(epochPtr, 0xCAFEBABE)

	l := NewShared(header, func() int { return 99 })
	require.NoError(t, l.Acquire(context.Background(), AcquireOptions{}))
	require.Equal(t, uint32(0xCAFEBABE), atomic.LoadUint32(epochPtr))
	require.NoError(t, l.Release())
	require.Equal(t, uint32(0xCAFEBABE), atomic.LoadUint32(epochPtr))
}
