// Package tunecache persists tuned kernel parameters keyed by kernel
// fingerprint, so layers with an already tuned shape skip the search.
package tunecache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tuner"
)

// Entry is the tuned assignment of one layer.
type Entry struct {
	Forward         tuner.Snapshot `yaml:"forward,omitempty"`
	BackwardData    tuner.Snapshot `yaml:"backward_data,omitempty"`
	BackwardWeights tuner.Snapshot `yaml:"backward_weights,omitempty"`
	// Score is the best forward score, for reference only.
	Score float64 `yaml:"score,omitempty"`
}

// Snapshots returns the entry indexed by mode.
func (e Entry) Snapshots() [conv.NumModes]tuner.Snapshot {
	return [conv.NumModes]tuner.Snapshot{e.Forward, e.BackwardData, e.BackwardWeights}
}

// NewEntry builds an entry from per-mode snapshots.
func NewEntry(snaps [conv.NumModes]tuner.Snapshot, score float64) Entry {
	return Entry{
		Forward:         snaps[conv.Forward],
		BackwardData:    snaps[conv.BackwardData],
		BackwardWeights: snaps[conv.BackwardWeights],
		Score:           score,
	}
}

type file struct {
	Version int              `yaml:"version"`
	Kernels map[string]Entry `yaml:"kernels"`
}

const version = 1

// Cache maps fingerprints to tuned entries. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: map[string]Entry{}}
}

// Load reads a cache file. A missing file yields an empty cache.
func Load(path string) (*Cache, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tunecache: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a cache from YAML.
func Read(r io.Reader) (*Cache, error) {
	var doc file
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tunecache: decode: %w", err)
	}
	if doc.Version > version {
		return nil, fmt.Errorf("tunecache: unsupported version %d", doc.Version)
	}
	c := New()
	for k, v := range doc.Kernels {
		c.entries[k] = v
	}
	return c, nil
}

// Write encodes the cache as YAML with fingerprints in sorted order.
func (c *Cache) Write(w io.Writer) error {
	c.mu.RLock()
	doc := file{Version: version, Kernels: make(map[string]Entry, len(c.entries))}
	for k, v := range c.entries {
		doc.Kernels[k] = v
	}
	c.mu.RUnlock()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("tunecache: encode: %w", err)
	}
	return enc.Close()
}

// Save writes the cache to path, replacing it atomically.
func (c *Cache) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tunecache-*")
	if err != nil {
		return fmt.Errorf("tunecache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := c.Write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tunecache: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("tunecache: %w", err)
	}
	return nil
}

// Get returns the entry of a fingerprint.
func (c *Cache) Get(fingerprint string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fingerprint]
	return e, ok
}

// Put stores the entry of a fingerprint.
func (c *Cache) Put(fingerprint string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = e
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fingerprints returns the cached fingerprints in sorted order.
func (c *Cache) Fingerprints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := lo.Keys(c.entries)
	slices.Sort(keys)
	return keys
}
