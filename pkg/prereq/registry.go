package prereq

import (
	"fmt"
	"sort"
	"sync"

	"github.com/operator-framework/testdeps/pkg/provisioner"
)

// Factory returns a provisioner if it accepts selector, or nil if it does not.
type Factory func(selector string) (provisioner.Provisioner, error)

// Accepting returns a Factory that builds a provisioner only for the given
// selectors.
func Accepting(build func() (provisioner.Provisioner, error), selectors ...string) Factory {
	return func(selector string) (provisioner.Provisioner, error) {
		for _, s := range selectors {
			if s == selector {
				return build()
			}
		}
		return nil, nil
	}
}

// Registration is one candidate prerequisites provisioner.
type Registration struct {
	Name     string
	Priority int
	Factory  Factory
}

// Registry is an explicit table of candidate provisioners.
type Registry struct {
	mu            sync.RWMutex
	registrations []Registration
}

func NewRegistry(registrations ...Registration) *Registry {
	return &Registry{registrations: append([]Registration(nil), registrations...)}
}

func (r *Registry) Register(name string, priority int, factory Factory) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, Registration{Name: name, Priority: priority, Factory: factory})
	return r
}

// Registrations returns the candidates highest priority first. Candidates of
// equal priority keep their registration order.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	regs := append([]Registration(nil), r.registrations...)
	r.mu.RUnlock()

	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].Priority > regs[j].Priority
	})
	return regs
}

// Select walks the candidates highest priority first and returns the first
// provisioner a factory builds for selector.
func (r *Registry) Select(selector string) (string, provisioner.Provisioner, error) {
	for _, reg := range r.Registrations() {
		p, err := reg.Factory(selector)
		if err != nil {
			return "", nil, fmt.Errorf("building provisioner %s: %w", reg.Name, err)
		}
		if p != nil {
			return reg.Name, p, nil
		}
	}
	return "", nil, fmt.Errorf("%w %q", ErrNoMatchingProvisioner, selector)
}
