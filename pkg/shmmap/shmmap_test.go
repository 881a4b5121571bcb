package shmmap

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sharedmap/sharedmap/pkg/shmseg"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("shmmap-test-%s-%d", t.Name(), testCounter())
}

var counterMu sync.Mutex
var counter int

func testCounter() int {
	counterMu.Lock()
	defer counterMu.Unlock()
	counter++
	return counter
}

func cleanupMap(t *testing.T, name string) {
	t.Cleanup(func() { _ = UnlinkByName(name) })
}

func TestCreateSetGetDelete(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)

	m, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", "hello"))

	var got string
	ok, err := m.Get("a", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", got)

	require.NoError(t, m.Delete(ctx, "a"))
	ok, err = m.Get("a", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTwoHandlesConverge(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	w, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)
	defer w.Close()

	r, err := Attach(WithName(name))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, w.Set(ctx, "x", "1"))
	require.NoError(t, w.Set(ctx, "y", "2"))

	var got string
	ok, err := r.Get("x", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", got)

	ok, err = r.Get("y", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", got)

	require.Equal(t, 2, r.Len())
	require.Equal(t, 2, w.Len())
}

func TestForcedRotationByHugeValue(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	m, err := Create(WithName(name), WithBufferSize(4120))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Set(ctx, "small", "v"))

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, m.SetRaw(ctx, "big", big))

	require.Greater(t, m.Status().SnapshotEpoch, uint32(0), "huge value must force a rotation")

	got, ok, err := m.GetRaw("big")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cmp.Equal(big, got))

	var small string
	ok, err = m.Get("small", &small)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", small, "rotation must preserve the write that triggered it and earlier writes")
}

func TestDumpForcesRotationAndEpochMonotone(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	m, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Set(ctx, "k", "v"))
	epoch0 := m.Status().SnapshotEpoch

	require.NoError(t, m.Dump(ctx))
	epoch1 := m.Status().SnapshotEpoch
	require.Greater(t, epoch1, epoch0)

	require.NoError(t, m.Dump(ctx))
	epoch2 := m.Status().SnapshotEpoch
	require.Greater(t, epoch2, epoch1)
}

func TestFixedSnapshotExactFitSucceeds(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	// Snapshot of {"k": `"v"`}: 4+1+4+3 = 12 payload bytes, 18 with the
	// 6-byte frame header, exactly the fixed segment size.
	m, err := Create(WithName(name), WithBufferSize(4096), WithFullDumpSize(18))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Set(ctx, "k", "v"))
	require.NoError(t, m.Dump(ctx))
	require.Equal(t, fixedSnapName(name), m.Status().SnapshotName)
}

func TestFixedSnapshotOverflowErrors(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	m, err := Create(WithName(name), WithBufferSize(4096), WithFullDumpSize(8))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetRaw(ctx, "k", []byte("a long enough value to overflow the fixed dump")))
	err = m.Dump(ctx)
	require.ErrorIs(t, err, ErrFullDumpMemoryFull)
}

func TestParameterMismatchOnAttach(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)

	m, err := Create(WithName(name), WithBufferSize(4096), WithSharedLock(true))
	require.NoError(t, err)
	defer m.Close()

	_, err = Attach(WithName(name), WithSharedLock(false))
	require.ErrorIs(t, err, ErrParameterMismatch)
}

func TestAlreadyExistsAndCannotAttach(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)

	m, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)
	defer m.Close()

	_, err = Create(WithName(name), WithBufferSize(4096))
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = Attach(WithName(uniqueName(t)))
	require.ErrorIs(t, err, ErrCannotAttach)
}

func TestCloseIsIdempotentAndLocksOut(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)

	m, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err = m.GetRaw("k")
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestUnlinkRemovesSegments(t *testing.T) {
	name := uniqueName(t)

	m, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)

	require.NoError(t, m.Unlink(false))
	require.False(t, shmseg.Exists(name))
	require.False(t, shmseg.Exists(logSegName(name)))
}

// TestConcurrentHandlesConverge simulates several independent
// "processes" each with their own *Map handle onto the same segments,
// the way the spec's concurrency model actually shapes usage: one
// handle per process, not one handle shared unsynchronized across
// goroutines.
func TestConcurrentHandlesConverge(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	creator, err := Create(WithName(name), WithBufferSize(1<<16), WithSharedLock(true))
	require.NoError(t, err)
	defer creator.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := Attach(WithName(name), WithSharedLock(true))
			require.NoError(t, err)
			defer h.Close()
			require.NoError(t, h.SetRaw(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	require.Equal(t, n, creator.Len())
}

func TestRecursiveSetMaterializesChildAndUnlinkSweepsIt(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	m, err := Create(WithName(name), WithBufferSize(4096), WithRecurse(true))
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "config", map[string]any{
		"nested": map[string]any{"depth": 2.0},
		"flag":   true,
	}))

	var got map[string]any
	ok, err := m.Get("config", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, true, got["flag"])
	require.Equal(t, map[string]any{"depth": 2.0}, got["nested"])

	raw, ok, err := m.GetRaw("config")
	require.NoError(t, err)
	require.True(t, ok)
	var ref childRef
	require.True(t, isChildRef(raw, &ref))

	require.NoError(t, m.Unlink(true))
	require.False(t, shmseg.Exists(ref.Name), "Unlink must sweep the child map's segment")
}

func TestRecursiveSetReusesChildSegmentOnUpdate(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	m, err := Create(WithName(name), WithBufferSize(4096), WithRecurse(true))
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Unlink(true)) }()

	require.NoError(t, m.Set(ctx, "nested", map[string]any{"a": 1.0}))

	raw, ok, err := m.GetRaw("nested")
	require.NoError(t, err)
	require.True(t, ok)
	var firstRef childRef
	require.True(t, isChildRef(raw, &firstRef))

	require.NoError(t, m.Set(ctx, "nested", map[string]any{"b": 2.0}))

	raw, ok, err = m.GetRaw("nested")
	require.NoError(t, err)
	require.True(t, ok)
	var secondRef childRef
	require.True(t, isChildRef(raw, &secondRef))

	require.Equal(t, firstRef.Name, secondRef.Name, "updating a nested map must reuse its child segment, not mint a new one")

	var got map[string]any
	ok, err = m.Get("nested", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"b": 2.0}, got)
}

// TestRotationNeverReappendsOversizedValue is the exact scenario a
// maintainer review flagged: a value whose framed record cannot fit in
// the log segment even immediately after a rotation must still succeed,
// because the rotation-triggering write's mutation is captured by the
// dumped snapshot rather than the reset log.
func TestRotationNeverReappendsOversizedValue(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	m, err := Create(WithName(name), WithBufferSize(10000))
	require.NoError(t, err)
	defer m.Close()

	big := make([]byte, 1_000_000)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, m.SetRaw(ctx, "big", big))

	require.Equal(t, uint32(1), m.Status().SnapshotEpoch)
	require.Equal(t, uint32(0), m.Status().StreamEnd)

	got, ok, err := m.GetRaw("big")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cmp.Equal(big, got))
}

// TestSnapshotLoadConvergesAcrossRotation reproduces a maintainer-review
// repro: writer W dumps a snapshot (resetting stream_end to 0) and then
// appends another write to the freshly-reset log; a fresh reader handle R
// attaching afterward must see both writes, not just the snapshotted one.
func TestSnapshotLoadConvergesAcrossRotation(t *testing.T) {
	name := uniqueName(t)
	cleanupMap(t, name)
	ctx := context.Background()

	w, err := Create(WithName(name), WithBufferSize(4096))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Set(ctx, "a", "1"))
	require.NoError(t, w.Dump(ctx))
	require.NoError(t, w.Set(ctx, "b", "2"))

	r, err := Attach(WithName(name))
	require.NoError(t, err)
	defer r.Close()

	var got string
	ok, err := r.Get("b", &got)
	require.NoError(t, err)
	require.True(t, ok, "post-rotation append must be visible to a fresh handle")
	require.Equal(t, "2", got)

	ok, err = r.Get("a", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", got)
}
