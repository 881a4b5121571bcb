package shmmap

import "iter"

// Get looks up key, catching this handle up first. If out is non-nil, the
// stored bytes are unmarshaled into it with this handle's Codec. When this
// handle is recurse-enabled and the stored value is a child reference
// record, it is transparently attached and flattened back into a
// map[string]any, matching the value Set was originally given.
func (m *Map) Get(key string, out any) (bool, error) {
	data, ok, err := m.GetRaw(key)
	if err != nil || !ok {
		return ok, err
	}
	if out == nil {
		return true, nil
	}

	if m.opts.Recurse {
		var ref childRef
		if isChildRef(data, &ref) {
			nested, merr := materializeChild(ref)
			if merr != nil {
				return true, merr
			}
			if target, ok := out.(*map[string]any); ok {
				*target = nested
				return true, nil
			}
			if target, ok := out.(*any); ok {
				*target = nested
				return true, nil
			}
		}
	}

	return true, m.opts.Codec.Unmarshal(data, out)
}

// GetRaw looks up key and returns its stored bytes without unmarshaling.
func (m *Map) GetRaw(key string) ([]byte, bool, error) {
	if err := m.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := m.ApplyUpdate(); err != nil {
		return nil, false, err
	}
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	data, ok := m.cache[key]
	return data, ok, nil
}

// Contains reports whether key is present, after catching up.
func (m *Map) Contains(key string) bool {
	_, ok, _ := m.GetRaw(key)
	return ok
}

// Len returns the number of entries, after catching up.
func (m *Map) Len() int {
	_ = m.ApplyUpdate()
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return len(m.cache)
}

func (m *Map) snapshotKeys() []string {
	_ = m.ApplyUpdate()
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	keys := make([]string, 0, len(m.cache))
	for k := range m.cache {
		keys = append(keys, k)
	}
	return keys
}

// Keys returns an iterator over the map's keys as of the last catch-up.
func (m *Map) Keys() iter.Seq[string] {
	keys := m.snapshotKeys()
	return func(yield func(string) bool) {
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns an iterator over the map's raw stored values.
func (m *Map) Values() iter.Seq[[]byte] {
	keys := m.snapshotKeys()
	return func(yield func([]byte) bool) {
		for _, k := range keys {
			data, ok, _ := m.GetRaw(k)
			if !ok {
				continue
			}
			if !yield(data) {
				return
			}
		}
	}
}

// Items returns an iterator over key/raw-value pairs.
func (m *Map) Items() iter.Seq2[string, []byte] {
	keys := m.snapshotKeys()
	return func(yield func(string, []byte) bool) {
		for _, k := range keys {
			data, ok, _ := m.GetRaw(k)
			if !ok {
				continue
			}
			if !yield(k, data) {
				return
			}
		}
	}
}
