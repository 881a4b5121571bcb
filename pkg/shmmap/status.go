package shmmap

import "github.com/sharedmap/sharedmap/pkg/shmlock"

// Status is a diagnostic snapshot of a handle's view of the map, exposed
// by Map.Status() and printed by the sharedmapctl demo's "status" command.
type Status struct {
	Name               string
	Creator            bool
	StreamEnd          uint32
	LocalStreamPos      uint32
	SnapshotEpoch      uint32
	LocalSnapshotEpoch uint32
	SnapshotName       string
	CachedEntries      int
	Lock               shmlock.Status
}
