// Package noise provides the disclosure noise mechanisms applied to
// aggregate values before they are published. Mechanisms are registered
// by name so deployments can pick one in configuration.
package noise

import (
	"fmt"
	"sync"
)

// Mechanism perturbs a disclosed aggregate value. Implementations are
// calibrated for unit sensitivity; callers scale epsilon when a single
// submission can move the aggregate by more than one.
type Mechanism interface {
	Name() string
	Apply(value int64) (int64, error)
}

// Factory constructs a mechanism for a given privacy budget.
type Factory func(epsilon float64) (Mechanism, error)

var (
	mechanismsMu sync.RWMutex
	mechanisms   = make(map[string]Factory)
)

// Register registers a noise mechanism implementation
func Register(name string, factory Factory) {
	mechanismsMu.Lock()
	defer mechanismsMu.Unlock()

	if factory == nil {
		panic(fmt.Sprintf("mechanism factory for %s is nil", name))
	}

	if _, exists := mechanisms[name]; exists {
		panic(fmt.Sprintf("mechanism %s is already registered", name))
	}

	mechanisms[name] = factory
}

// New returns a mechanism by name, configured with the given epsilon
func New(name string, epsilon float64) (Mechanism, error) {
	mechanismsMu.RLock()
	factory, exists := mechanisms[name]
	mechanismsMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("mechanism %s not found", name)
	}

	return factory(epsilon)
}

// List returns all registered mechanism names
func List() []string {
	mechanismsMu.RLock()
	defer mechanismsMu.RUnlock()

	names := make([]string, 0, len(mechanisms))
	for name := range mechanisms {
		names = append(names, name)
	}

	return names
}

// MechanismNone publishes aggregates without perturbation.
const MechanismNone = "none"

type none struct{}

func (none) Name() string { return MechanismNone }

func (none) Apply(value int64) (int64, error) { return value, nil }

func init() {
	Register(MechanismNone, func(float64) (Mechanism, error) {
		return none{}, nil
	})
}
