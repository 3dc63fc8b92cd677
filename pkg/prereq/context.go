package prereq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
)

// Context builds a process's Coordinator on first use and hands the same one
// to every later caller. A failed construction is retried on the next call.
type Context struct {
	client   kubernetes.Interface
	runner   clusterctl.Runner
	registry *Registry
	opts     Options
	options  []Option

	mu          sync.Mutex
	coordinator atomic.Pointer[Coordinator]
}

func NewContext(client kubernetes.Interface, runner clusterctl.Runner, registry *Registry, opts Options, options ...Option) *Context {
	return &Context{
		client:   client,
		runner:   runner,
		registry: registry,
		opts:     opts,
		options:  options,
	}
}

func (c *Context) Coordinator(ctx context.Context) (*Coordinator, error) {
	if co := c.coordinator.Load(); co != nil {
		return co, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if co := c.coordinator.Load(); co != nil {
		return co, nil
	}
	co, err := NewCoordinator(ctx, c.client, c.runner, c.registry, c.opts, c.options...)
	if err != nil {
		return nil, err
	}
	c.coordinator.Store(co)
	logrus.WithField("namespace", co.Namespace()).Debug("initialized shared prerequisite coordinator")
	return co, nil
}

// Close forgets the Coordinator so the next call builds a new one.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinator.Store(nil)
}
