// Package provisioner defines the lifecycle every test dependency goes through
// and drives it.
package provisioner

import (
	"context"
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/operator-framework/testdeps/pkg/operators/subscription"
)

// Provisioner deploys one application for the duration of a test run. Run
// calls Configure, PreDeploy and Deploy in that order; Stop calls Undeploy,
// PostUndeploy and Dismiss.
type Provisioner interface {
	Configure(ctx context.Context) error
	PreDeploy(ctx context.Context) error
	Deploy(ctx context.Context) error
	Undeploy(ctx context.Context) error
	PostUndeploy(ctx context.Context) error
	Dismiss(ctx context.Context) error
}

// Application describes a dependency a provisioner is bound to.
type Application struct {
	Name      string
	Namespace string

	// Operator is set for dependencies installed through an operator
	// subscription.
	Operator *subscription.Options
	// Chart is set for dependencies installed from a Helm chart.
	Chart *Chart

	// PodSelector, if set, selects the pods that must be gone after
	// undeploying.
	PodSelector string

	CatalogTimeout  time.Duration
	ReadyTimeout    time.Duration
	UndeployTimeout time.Duration
}

const (
	DefaultCatalogTimeout  = 5 * time.Minute
	DefaultReadyTimeout    = 10 * time.Minute
	DefaultUndeployTimeout = 5 * time.Minute
)

func (a *Application) complete() {
	if a.CatalogTimeout <= 0 {
		a.CatalogTimeout = DefaultCatalogTimeout
	}
	if a.ReadyTimeout <= 0 {
		a.ReadyTimeout = DefaultReadyTimeout
	}
	if a.UndeployTimeout <= 0 {
		a.UndeployTimeout = DefaultUndeployTimeout
	}
}

type step struct {
	name string
	fn   func(context.Context) error
}

// Run configures and deploys p, stopping at the first failing step.
func Run(ctx context.Context, p Provisioner) error {
	for _, s := range []step{
		{"configure", p.Configure},
		{"pre-deploy", p.PreDeploy},
		{"deploy", p.Deploy},
	} {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Stop undeploys and dismisses p. Every step runs even if an earlier one
// failed; the failures are returned together.
func Stop(ctx context.Context, p Provisioner) error {
	var errs []error
	for _, s := range []step{
		{"undeploy", p.Undeploy},
		{"post-undeploy", p.PostUndeploy},
		{"dismiss", p.Dismiss},
	} {
		if err := s.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}
