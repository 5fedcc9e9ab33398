package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory builds an Executor from an opaque JSON configuration blob.
// Worker processes spawned by the pool carry only the executor's registered
// name and configuration across the process boundary, then rebuild the
// executor through the registry on their side.
type Factory func(config json.RawMessage) (Executor, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an executor factory available under name. Registering the
// same name twice is an error: the spawn protocol depends on names meaning
// the same thing in the parent and in every worker.
func Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("executor name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("executor factory cannot be nil")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return fmt.Errorf("executor %q is already registered", name)
	}
	registry[name] = factory
	return nil
}

// New builds an executor from a registered factory.
func New(name string, config json.RawMessage) (Executor, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no executor registered under %q (registered: %v)", name, Registered())
	}
	return factory(config)
}

// Registered returns the sorted names of all registered factories.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
