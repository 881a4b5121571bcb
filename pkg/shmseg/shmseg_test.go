package shmseg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAttachRoundTrip(t *testing.T) {
	name, err := RandomName("test-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Unlink(name) })

	seg, err := Create(name, 4096)
	require.NoError(t, err)
	defer seg.Close()

	require.Len(t, seg.Data, 4096)
	copy(seg.Data, []byte("hello"))

	other, err := Attach(name)
	require.NoError(t, err)
	defer other.Close()

	require.Equal(t, "hello", string(other.Data[:5]))
}

func TestCreateAlreadyExists(t *testing.T) {
	name, err := RandomName("test-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Unlink(name) })

	seg, err := Create(name, 64)
	require.NoError(t, err)
	defer seg.Close()

	_, err = Create(name, 64)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAttachMissing(t *testing.T) {
	_, err := Attach("does-not-exist-ever")
	require.ErrorIs(t, err, ErrCannotAttach)
}

func TestUnlinkMissingIsNotError(t *testing.T) {
	require.NoError(t, Unlink("does-not-exist-ever"))
}

func TestExists(t *testing.T) {
	name, err := RandomName("test-")
	require.NoError(t, err)
	require.False(t, Exists(name))

	seg, err := Create(name, 64)
	require.NoError(t, err)
	defer seg.Close()
	defer Unlink(name)

	require.True(t, Exists(name))
}
