// Package agent provides the agent adapter abstraction layer.
//
// factory.go - Adapter factory
//
// This file contains:
// - Constructor registry keyed by runtime name (remote, llm, command)
// - New, which builds the configured adapter and applies Exclusive
//
// Backends register themselves from init so this package does not import
// them; cmd/server blank-imports the ones it ships.

package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/HyphaGroup/murmur/internal/config"
)

// Constructor builds an adapter from the agent config section
type Constructor func(cfg *config.AgentSection) (Adapter, error)

var (
	registryMu   sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes a backend available under name. It panics on duplicates.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := constructors[name]; dup {
		panic("agent: Register called twice for " + name)
	}
	constructors[name] = c
}

// Runtimes lists the registered backend names
func Runtimes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter selected by cfg.Runtime
func New(cfg *config.AgentSection) (Adapter, error) {
	registryMu.RLock()
	c, ok := constructors[cfg.Runtime]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown runtime %q (registered: %v)", ErrNotConfigured, cfg.Runtime, Runtimes())
	}

	a, err := c(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s adapter: %w", cfg.Runtime, err)
	}
	if cfg.IsExclusive() {
		a = Exclusive(a)
	}
	return a, nil
}
