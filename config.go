package fiberloop

import (
	"sync"

	"gopkg.in/yaml.v3"
)

// Configuration keys the core reads. Names are exact keys.
const (
	// ConfigFiberStackSize is the default stack size in bytes for new
	// fibers when Construct is called with size 0. Default 1048576.
	ConfigFiberStackSize = "fiber.stack_size"

	// ConfigTCPConnectTimeout is the timeout, in milliseconds, that
	// ConnectWithStore passes to the Connect hook. Default 5000.
	ConfigTCPConnectTimeout = "tcp.connect.timeout"
)

// Default values for the configuration keys above.
const (
	DefaultFiberStackSize    = 1 << 20 // 1 MiB
	DefaultTCPConnectTimeout = 5000    // ms
)

// Store is the narrow contract the core observes from an external
// hierarchical configuration store: read a value, and register a listener
// for subsequent changes. The full hierarchical-merge, multi-source store
// stays out of scope; only this contract is implemented.
type Store interface {
	// Get returns the current value for key and whether it is set.
	Get(key string) (any, bool)

	// OnChange registers fn to be called whenever key's value changes.
	// Returns an unsubscribe function.
	OnChange(key string, fn func(value any)) (unsubscribe func())
}

// StaticStore is an in-memory Store, primarily for tests and for embedding
// fiberloop in programs that configure it programmatically rather than via
// a file.
type StaticStore struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners map[string][]func(any)
}

// NewStaticStore creates a StaticStore seeded with the given values.
func NewStaticStore(values map[string]any) *StaticStore {
	s := &StaticStore{
		values:    make(map[string]any, len(values)),
		listeners: make(map[string][]func(any)),
	}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Get implements Store.
func (s *StaticStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// OnChange implements Store.
func (s *StaticStore) OnChange(key string, fn func(value any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[key] = append(s.listeners[key], fn)
	idx := len(s.listeners[key]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners[key]) {
			s.listeners[key][idx] = nil
		}
	}
}

// Set updates a value and notifies registered listeners for key.
func (s *StaticStore) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	listeners := append([]func(any){}, s.listeners[key]...)
	s.mu.Unlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(value)
		}
	}
}

// YAMLStore loads a flattened (dot-path-keyed) YAML document into a
// StaticStore. It covers exactly the narrow Store contract above; it does
// not attempt to replicate a full hierarchical configuration store.
type YAMLStore struct {
	*StaticStore
}

// LoadYAML parses document as YAML and flattens nested maps into
// dot-separated keys (e.g. {fiber: {stack_size: 4096}} becomes
// "fiber.stack_size" -> 4096).
func LoadYAML(document []byte) (*YAMLStore, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(document, &raw); err != nil {
		return nil, WrapError("config.LoadYAML", err)
	}
	flat := make(map[string]any)
	flattenYAML("", raw, flat)
	return &YAMLStore{StaticStore: NewStaticStore(flat)}, nil
}

func flattenYAML(prefix string, node map[string]any, out map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenYAML(key, child, out)
			continue
		}
		out[key] = v
	}
}

// configInt reads key from store, coercing common numeric representations
// (int, int64, float64 as decoded by YAML) and falling back to def.
func configInt(store Store, key string, def int) int {
	if store == nil {
		return def
	}
	v, ok := store.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
