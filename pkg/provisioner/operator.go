package provisioner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
	"github.com/operator-framework/testdeps/pkg/operators/subscription"
)

// OperatorProvisioner maps the lifecycle onto an operator subscription.
type OperatorProvisioner struct {
	app     Application
	runner  clusterctl.Runner
	machine *subscription.Machine
	logger  logrus.FieldLogger
}

var _ Provisioner = &OperatorProvisioner{}

func NewOperatorProvisioner(runner clusterctl.Runner, app Application, logger logrus.FieldLogger) (*OperatorProvisioner, error) {
	if app.Operator == nil {
		return nil, fmt.Errorf("application %q has no operator subscription", app.Name)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	app.complete()

	opts := *app.Operator
	if opts.Namespace == "" {
		opts.Namespace = app.Namespace
	}
	machine, err := subscription.New(runner, opts, subscription.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("application %q: %w", app.Name, err)
	}
	app.Namespace = machine.Options().Namespace

	return &OperatorProvisioner{
		app:     app,
		runner:  runner,
		machine: machine,
		logger:  logger.WithField("application", app.Name),
	}, nil
}

// Machine exposes the underlying subscription state machine.
func (p *OperatorProvisioner) Machine() *subscription.Machine {
	return p.machine
}

func (p *OperatorProvisioner) Configure(ctx context.Context) error {
	return p.machine.Configure(ctx)
}

// PreDeploy waits for the dedicated catalog source, if there is one.
func (p *OperatorProvisioner) PreDeploy(ctx context.Context) error {
	return p.machine.WaitForCatalogSource(ctx, p.app.CatalogTimeout)
}

func (p *OperatorProvisioner) Deploy(ctx context.Context) error {
	if err := p.machine.Subscribe(ctx); err != nil {
		return err
	}
	return p.machine.WaitForReady(ctx, p.app.ReadyTimeout)
}

func (p *OperatorProvisioner) Undeploy(ctx context.Context) error {
	return p.machine.Unsubscribe(ctx)
}

// PostUndeploy waits until the operator pods are gone. Pods are matched by the
// configured selector, or else by the deployment names recorded when the
// operator became ready. With neither there is nothing to wait for.
func (p *OperatorProvisioner) PostUndeploy(ctx context.Context) error {
	deployments := p.machine.Deployments()
	if p.app.PodSelector == "" && len(deployments) == 0 {
		return nil
	}

	args := []string{"get", "pods", "-n", p.app.Namespace}
	if p.app.PodSelector != "" {
		args = append(args, "-l", p.app.PodSelector)
	}

	var remaining []string
	err := wait.PollUntilContextTimeout(ctx, p.machine.Options().PollInterval, p.app.UndeployTimeout, true, func(ctx context.Context) (bool, error) {
		pods, err := clusterctl.QueryStrings(ctx, p.runner, ".items[].metadata.name", args...)
		if err != nil {
			return false, err
		}
		remaining = operatorPods(pods, deployments, p.app.PodSelector != "")
		if len(remaining) > 0 {
			p.logger.WithField("pods", remaining).Debug("waiting for operator pods to terminate")
		}
		return len(remaining) == 0, nil
	})
	if err != nil && wait.Interrupted(err) && ctx.Err() == nil {
		return &subscription.TimeoutError{
			Target:  fmt.Sprintf("operator pods of %s to terminate", p.app.Name),
			Timeout: p.app.UndeployTimeout,
			Pending: remaining,
		}
	}
	return err
}

func operatorPods(pods, deployments []string, selected bool) []string {
	if selected {
		return pods
	}
	var matched []string
	for _, pod := range pods {
		for _, d := range deployments {
			if strings.HasPrefix(pod, d+"-") {
				matched = append(matched, pod)
				break
			}
		}
	}
	return matched
}

func (p *OperatorProvisioner) Dismiss(ctx context.Context) error {
	return p.machine.Dismiss(ctx)
}
