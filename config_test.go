package fiberloop

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticStore_GetAndSetNotifiesListeners(t *testing.T) {
	s := NewStaticStore(map[string]any{ConfigFiberStackSize: 2048})

	v, ok := s.Get(ConfigFiberStackSize)
	require.True(t, ok)
	require.Equal(t, 2048, v)

	var seen atomic.Value
	unsubscribe := s.OnChange(ConfigFiberStackSize, func(value any) { seen.Store(value) })
	s.Set(ConfigFiberStackSize, 4096)
	require.Equal(t, 4096, seen.Load())

	unsubscribe()
	s.Set(ConfigFiberStackSize, 8192)
	require.Equal(t, 4096, seen.Load(), "unsubscribed listener must not observe further changes")
}

func TestStaticStore_GetMissingKey(t *testing.T) {
	s := NewStaticStore(nil)
	_, ok := s.Get("nonexistent.key")
	require.False(t, ok)
}

func TestLoadYAML_FlattensNestedKeys(t *testing.T) {
	doc := []byte(`
fiber:
  stack_size: 2097152
tcp:
  connect:
    timeout: 1500
`)
	store, err := LoadYAML(doc)
	require.NoError(t, err)

	v, ok := store.Get(ConfigFiberStackSize)
	require.True(t, ok)
	require.Equal(t, 2097152, v)

	v2, ok := store.Get(ConfigTCPConnectTimeout)
	require.True(t, ok)
	require.Equal(t, 1500, v2)
}

func TestLoadYAML_InvalidDocumentReturnsError(t *testing.T) {
	_, err := LoadYAML([]byte("not: [valid: yaml"))
	require.Error(t, err)
}

func TestConfigInt_FallsBackToDefaultWhenUnset(t *testing.T) {
	require.Equal(t, DefaultFiberStackSize, configInt(nil, ConfigFiberStackSize, DefaultFiberStackSize))

	s := NewStaticStore(nil)
	require.Equal(t, 99, configInt(s, "missing.key", 99))
}

func TestConfigInt_CoercesYAMLFloat64(t *testing.T) {
	s := NewStaticStore(map[string]any{"k": float64(4096)})
	require.Equal(t, 4096, configInt(s, "k", 0))
}
