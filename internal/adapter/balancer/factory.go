package balancer

import (
	"fmt"
	"sync"

	"github.com/thushan/tcpxy/internal/core/ports"
)

// Factory is a registry of named Selector constructors, following the
// teacher's pluggable-strategy factory shape even though this proxy ships
// with exactly two policies.
type Factory struct {
	creators map[string]func() ports.Selector
	mu       sync.RWMutex
}

func NewFactory() *Factory {
	f := &Factory{creators: make(map[string]func() ports.Selector)}

	f.Register(NameRoundRobin, func() ports.Selector { return NewRoundRobinSelector() })
	f.Register(NameLeastConnections, func() ports.Selector { return NewLeastConnectionsSelector() })

	return f
}

func (f *Factory) Register(name string, creator func() ports.Selector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

func (f *Factory) Create(name string) (ports.Selector, error) {
	f.mu.RLock()
	creator, exists := f.creators[name]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown load balancer policy: %s", name)
	}
	return creator(), nil
}
