// Package shmregistry tracks which child map segments a recursive-enabled
// parent shmmap.Map is responsible for, so Unlink(force=true) can sweep
// every descendant even after a crash left some child handles unclosed.
//
// It is a thin, crash-safe JSON document per parent name, persisted with
// github.com/natefinch/atomic the same way the teacher persists ticket
// files: read-modify-write under an in-process mutex, rename into place.
package shmregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/sharedmap/sharedmap/pkg/shmseg"
)

// Child records one recursively-created child map.
type Child struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// registryDoc is the on-disk shape: one entry per live child segment name.
type registryDoc struct {
	Children []Child `json:"children"`
}

// fileMu serializes read-modify-write registry updates within this
// process only; updates to the same registry from different processes are
// not serialized against each other.
var fileMu sync.Mutex

// pathFor returns the registry file's path for a given parent map name,
// alongside the other named segments in the same shared-memory directory.
func pathFor(parentName string) string {
	return filepath.Join(shmseg.Dir(), sanitize(parentName)+"_children.json")
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, string(filepath.Separator), "_")
}

// Add records a child under parentName's registry, creating the registry
// file if it doesn't exist yet. Idempotent: re-adding the same name updates
// its depth instead of duplicating the entry.
func Add(parentName string, child Child) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	doc, err := read(parentName)
	if err != nil {
		return err
	}

	replaced := false
	for i, c := range doc.Children {
		if c.Name == child.Name {
			doc.Children[i] = child
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Children = append(doc.Children, child)
	}

	return write(parentName, doc)
}

// Remove drops a child entry from parentName's registry, if present.
func Remove(parentName, childName string) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	doc, err := read(parentName)
	if err != nil {
		return err
	}

	kept := doc.Children[:0]
	for _, c := range doc.Children {
		if c.Name != childName {
			kept = append(kept, c)
		}
	}
	doc.Children = kept

	return write(parentName, doc)
}

// List returns the children currently recorded for parentName. A missing
// registry file is not an error; it just means there are no children yet.
func List(parentName string) ([]Child, error) {
	fileMu.Lock()
	defer fileMu.Unlock()

	doc, err := read(parentName)
	if err != nil {
		return nil, err
	}
	return doc.Children, nil
}

// UnlinkAll removes every child recorded for parentName using unlinkFn
// (ordinarily shmmap.UnlinkByName), then deletes the registry file itself.
// Unlink failures for individual children are collected and joined rather
// than aborting the sweep partway through.
func UnlinkAll(parentName string, unlinkFn func(name string) error) error {
	fileMu.Lock()
	doc, err := read(parentName)
	fileMu.Unlock()
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range doc.Children {
		if err := unlinkFn(c.Name); err != nil {
			errs = append(errs, fmt.Errorf("unlink child %s: %w", c.Name, err))
		}
	}

	path := pathFor(parentName)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		errs = append(errs, rmErr)
	}

	if len(errs) > 0 {
		joined := errs[0]
		for _, e := range errs[1:] {
			joined = fmt.Errorf("%w; %w", joined, e)
		}
		return joined
	}
	return nil
}

func read(parentName string) (registryDoc, error) {
	path := pathFor(parentName)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a caller-chosen map name, not attacker input
	if err != nil {
		if os.IsNotExist(err) {
			return registryDoc{}, nil
		}
		return registryDoc{}, fmt.Errorf("reading child registry %s: %w", path, err)
	}

	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return registryDoc{}, fmt.Errorf("parsing child registry %s: %w", path, err)
	}
	return doc, nil
}

func write(parentName string, doc registryDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding child registry: %w", err)
	}

	path := pathFor(parentName)
	if err := atomic.WriteFile(path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing child registry %s: %w", path, err)
	}
	return nil
}
