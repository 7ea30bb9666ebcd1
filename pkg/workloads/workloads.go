// Package workloads registers the operations the perfbound CLI can measure.
// A workload's Before/After hooks run outside the measured region; only
// Operation executes between counter start and stop.
package workloads

import (
	"fmt"
	"sort"
	"sync"
)

// Workload is one measurable operation plus its per-trial setup hooks.
type Workload struct {
	Name        string
	Description string

	// Before prepares one trial's input. Optional.
	Before func(size int)
	// After cleans up after one trial. Optional.
	After func(size int)
	// Operation is the measured code.
	Operation func(size int)
}

// Factory builds a fresh Workload with its own buffers, so concurrent runs
// never share state.
type Factory func() Workload

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a workload available under the given name, replacing any
// previous registration. Usually called from init.
func Register(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

// Get instantiates the named workload.
func Get(name string) (Workload, error) {
	factoryMu.RLock()
	f, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return Workload{}, fmt.Errorf("workloads: unknown workload %q (available: %v)", name, Names())
	}
	return f(), nil
}

// Names returns the registered workload names, sorted.
func Names() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
