// Package store provides the reference ConfigStore implementation: a
// YAML file on disk holding frontends, backends, and global settings
// (spec.md §6 "Configuration store contract"). Real deployments are
// expected to back ConfigStore with a database; this implementation
// exists so the runtime is runnable standalone and so the reconciler has
// something concrete to test against.
package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relayd"
)

// document is the on-disk shape of the YAML config file. KnownFields is
// enabled when decoding so a typo'd field is rejected at load time rather
// than silently ignored (spec.md §9 "Dynamic typing of configuration").
type document struct {
	Frontends []frontendDocument          `yaml:"frontends"`
	Backends  []relayd.BackendSpec        `yaml:"backends"`
	IPFilters map[string]ipFilterDocument `yaml:"ip_filters,omitempty"`
	Settings  map[string]string           `yaml:"settings,omitempty"`
}

type frontendDocument struct {
	relayd.FrontendSpec `yaml:",inline"`
}

type ipFilterDocument struct {
	Allowlist []string `yaml:"allowlist,omitempty"`
	Denylist  []string `yaml:"denylist,omitempty"`
}

// FileStore implements relayd.ConfigStore by reading a YAML file once at
// construction and serving every call from the in-memory parse.
type FileStore struct {
	mu  sync.RWMutex
	doc document
}

// NewFileStore parses path and returns a FileStore backed by its contents.
func NewFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}
	fs := &FileStore{}
	if err := fs.reload(data); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", path, err)
	}
	return fs, nil
}

// Reload re-reads path and atomically swaps the in-memory document,
// rejecting the reload (keeping the prior state) if the new file fails to
// parse or validate.
func (fs *FileStore) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: reading %s: %w", path, err)
	}
	return fs.reload(data)
}

func (fs *FileStore) reload(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	for i := range doc.Frontends {
		if err := doc.Frontends[i].FrontendSpec.Validate(); err != nil {
			return err
		}
	}
	fs.mu.Lock()
	fs.doc = doc
	fs.mu.Unlock()
	return nil
}

// ListEnabledFrontends implements relayd.ConfigStore.
func (fs *FileStore) ListEnabledFrontends(ctx context.Context) ([]relayd.FrontendSpec, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]relayd.FrontendSpec, 0, len(fs.doc.Frontends))
	for _, f := range fs.doc.Frontends {
		if f.Enabled {
			out = append(out, f.FrontendSpec)
		}
	}
	return out, nil
}

// GetBackend implements relayd.ConfigStore.
func (fs *FileStore) GetBackend(ctx context.Context, ref string) (relayd.BackendSpec, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, b := range fs.doc.Backends {
		if b.Name == ref {
			return b, nil
		}
	}
	return relayd.BackendSpec{}, fmt.Errorf("store: unknown backend %q", ref)
}

// GetDomainRoutes implements relayd.ConfigStore.
func (fs *FileStore) GetDomainRoutes(ctx context.Context, frontendName string) ([]relayd.DomainRoute, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, f := range fs.doc.Frontends {
		if f.Name == frontendName {
			return f.DomainRoutes, nil
		}
	}
	return nil, fmt.Errorf("store: unknown frontend %q", frontendName)
}

// ListIPFilters implements relayd.ConfigStore.
func (fs *FileStore) ListIPFilters(ctx context.Context, frontendName string) ([]string, []string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	doc, ok := fs.doc.IPFilters[frontendName]
	if !ok {
		return nil, nil, nil
	}
	return doc.Allowlist, doc.Denylist, nil
}

// Setting implements relayd.ConfigStore.
func (fs *FileStore) Setting(ctx context.Context, key string) (string, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	v, ok := fs.doc.Settings[key]
	return v, ok, nil
}
