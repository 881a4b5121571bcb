package shmregistry

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddListRemove(t *testing.T) {
	parent := uniqueParent(t)
	t.Cleanup(func() { _ = os.Remove(pathFor(parent)) })

	require.NoError(t, Add(parent, Child{Name: "child-a", Depth: 1}))
	require.NoError(t, Add(parent, Child{Name: "child-b", Depth: 1}))

	children, err := List(parent)
	require.NoError(t, err)
	require.ElementsMatch(t, []Child{{Name: "child-a", Depth: 1}, {Name: "child-b", Depth: 1}}, children)

	require.NoError(t, Remove(parent, "child-a"))
	children, err = List(parent)
	require.NoError(t, err)
	require.Equal(t, []Child{{Name: "child-b", Depth: 1}}, children)
}

func TestAddIsIdempotentOnDepthUpdate(t *testing.T) {
	parent := uniqueParent(t)
	t.Cleanup(func() { _ = os.Remove(pathFor(parent)) })

	require.NoError(t, Add(parent, Child{Name: "child-a", Depth: 1}))
	require.NoError(t, Add(parent, Child{Name: "child-a", Depth: 2}))

	children, err := List(parent)
	require.NoError(t, err)
	require.Equal(t, []Child{{Name: "child-a", Depth: 2}}, children)
}

func TestListMissingRegistryIsEmptyNotError(t *testing.T) {
	children, err := List(uniqueParent(t))
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestUnlinkAllSweepsChildrenAndRemovesRegistry(t *testing.T) {
	parent := uniqueParent(t)
	require.NoError(t, Add(parent, Child{Name: "child-a", Depth: 1}))
	require.NoError(t, Add(parent, Child{Name: "child-b", Depth: 1}))

	var unlinked []string
	err := UnlinkAll(parent, func(name string) error {
		unlinked = append(unlinked, name)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"child-a", "child-b"}, unlinked)

	_, statErr := os.Stat(pathFor(parent))
	require.True(t, os.IsNotExist(statErr))
}

func TestUnlinkAllJoinsPartialFailures(t *testing.T) {
	parent := uniqueParent(t)
	t.Cleanup(func() { _ = os.Remove(pathFor(parent)) })
	require.NoError(t, Add(parent, Child{Name: "child-a", Depth: 1}))

	boom := errors.New("boom")
	err := UnlinkAll(parent, func(name string) error { return boom })
	require.Error(t, err)
}

var parentCounter int

func uniqueParent(t *testing.T) string {
	parentCounter++
	return fmt.Sprintf("shmregistry-test-%s-%d", t.Name(), parentCounter)
}
