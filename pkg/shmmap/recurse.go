package shmmap

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sharedmap/sharedmap/pkg/shmregistry"
	"github.com/sharedmap/sharedmap/pkg/shmseg"
)

// childRefMarker tags the JSON reference record Set stores in place of a
// nested map[string]any value when recursion is enabled, distinguishing it
// from a plain JSON object a caller legitimately stored.
const childRefMarker = "$sharedmap.child"

type childRef struct {
	Marker string `json:"$sharedmap.child"`
	Name   string `json:"name"`
	Depth  int    `json:"depth"`
}

func isChildRef(data []byte, out *childRef) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	if err := (JSONCodec{}).Unmarshal(data, out); err != nil {
		return false
	}
	return out.Marker == childRefMarker
}

// setRecursive implements spec.md §9's recursive-map convenience: a
// map[string]any value is materialized as its own child shmmap.Map rather
// than being inlined, with a reference record left behind in this handle
// in its place. The child inherits this handle's buffer size, shared-lock
// mode, codec, and logger, and is itself recurse-enabled so nested maps
// compose to arbitrary depth.
//
// If key already holds a child reference (a previous recursive Set), that
// same child segment is reused in place rather than minting a new one:
// otherwise every update to a nested map would orphan its prior child
// segment and leave the registry accumulating dead names. Keys the reused
// child holds that value does not have are deleted from it first.
func (m *Map) setRecursive(ctx context.Context, key string, value map[string]any, depth int) error {
	var childName string
	reuse := false

	if existing, ok, _ := m.GetRaw(key); ok {
		var ref childRef
		if isChildRef(existing, &ref) {
			childName = ref.Name
			reuse = true
		}
	}

	var child *Map
	var err error
	if reuse {
		child, err = Attach(
			WithName(childName),
			WithSharedLock(m.opts.SharedLock),
			WithRecurse(true),
			WithCodec(m.opts.Codec),
			WithLogger(m.opts.Logger),
		)
		if err != nil {
			// The referenced child segment is gone (e.g. unlinked out
			// from under us); fall back to minting a fresh one.
			reuse = false
		}
	}
	if !reuse {
		childName, err = shmseg.RandomName(m.opts.Name + "_child-")
		if err != nil {
			return fmt.Errorf("shmmap: generate child map name: %w", err)
		}
		child, err = Create(
			WithName(childName),
			WithBufferSize(m.opts.BufferSize),
			WithSharedLock(m.opts.SharedLock),
			WithRecurse(true),
			WithCodec(m.opts.Codec),
			WithLogger(m.opts.Logger),
		)
		if err != nil {
			return fmt.Errorf("shmmap: create child map for %q: %w", key, err)
		}
	}

	if reuse {
		for k := range child.Keys() {
			if _, keep := value[k]; keep {
				continue
			}
			if err := child.Delete(ctx, k); err != nil {
				child.Close()
				return fmt.Errorf("shmmap: clear child map for %q: %w", key, err)
			}
		}
	}

	for k, v := range value {
		if nested, ok := v.(map[string]any); ok {
			err = child.setRecursive(ctx, k, nested, depth+1)
		} else {
			err = child.Set(ctx, k, v)
		}
		if err != nil {
			child.Close()
			return fmt.Errorf("shmmap: populate child map for %q: %w", key, err)
		}
	}
	child.Close()

	if err := shmregistry.Add(m.opts.Name, shmregistry.Child{Name: childName, Depth: depth}); err != nil {
		return fmt.Errorf("shmmap: register child map for %q: %w", key, err)
	}

	ref := childRef{Marker: childRefMarker, Name: childName, Depth: depth}
	data, err := JSONCodec{}.Marshal(ref)
	if err != nil {
		return fmt.Errorf("shmmap: encode child reference for %q: %w", key, err)
	}

	action := "recursive child map created"
	if reuse {
		action = "recursive child map updated"
	}
	level.Info(m.logger()).Log("msg", action, "parent", m.opts.Name, "key", key, "child", childName, "depth", depth)
	return m.appendUpdate(ctx, opSet, key, data)
}

// materializeChild attaches the child map a reference record points at and
// flattens it back into a plain map[string]any, recursing through any
// further nested child references.
func materializeChild(ref childRef) (map[string]any, error) {
	sharedLock := false
	if control, cerr := shmseg.Attach(ref.Name); cerr == nil {
		sharedLock = len(control.Data) > offSharedLockFlag && loadSharedLockFlag(control.Data)
		control.Close()
	}
	child, err := Attach(WithName(ref.Name), WithRecurse(true), WithSharedLock(sharedLock))
	if err != nil {
		return nil, fmt.Errorf("shmmap: attach child map %q: %w", ref.Name, err)
	}
	defer child.Close()

	out := make(map[string]any)
	for k, raw := range child.Items() {
		var nestedRef childRef
		if isChildRef(raw, &nestedRef) {
			nested, err := materializeChild(nestedRef)
			if err != nil {
				return nil, err
			}
			out[k] = nested
			continue
		}

		var v any
		if err := child.opts.Codec.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("shmmap: decode child entry %q.%q: %w", ref.Name, k, err)
		}
		out[k] = v
	}
	return out, nil
}
