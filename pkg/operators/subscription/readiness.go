package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/connectivity"
	"k8s.io/apiextensions-apiserver/pkg/apihelpers"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
	"github.com/operator-framework/testdeps/pkg/metrics"
)

// ErrReadinessTimeout matches every *TimeoutError.
var ErrReadinessTimeout = errors.New("timed out waiting for readiness")

// TimeoutError reports a readiness poll that ran out of time.
type TimeoutError struct {
	Target  string
	Timeout time.Duration
	// Pending lists what the last attempt was still waiting on.
	Pending []string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Target)
	if len(e.Pending) > 0 {
		msg += " (pending " + strings.Join(e.Pending, ", ") + ")"
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrReadinessTimeout
}

// installedCSV is the part of a ClusterServiceVersion readiness cares about.
type installedCSV struct {
	name        string
	phase       string
	version     *semver.Version
	ownedCRDs   []string
	deployments []string
}

// WaitForReady polls until every expected CRD exists and is established, and,
// when a minimum version is configured, the installed CSV satisfies it. It
// returns a *TimeoutError once timeout elapses.
func (m *Machine) WaitForReady(ctx context.Context, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveReadinessWait("operator", time.Since(start), err) }()

	var minVersion *semver.Version
	if m.opts.MinVersion != "" {
		v, err := semver.ParseTolerant(m.opts.MinVersion)
		if err != nil {
			return err
		}
		minVersion = &v
	}

	var (
		missing     []string
		deployments []string
	)
	pollErr := wait.PollUntilContextTimeout(ctx, m.opts.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		csv, err := m.installedCSV(ctx)
		if err != nil {
			return false, err
		}
		if csv != nil {
			deployments = csv.deployments
		}

		expected := m.opts.ExpectedCRDs
		if len(expected) == 0 || minVersion != nil {
			if csv == nil {
				missing = []string{"installed csv"}
				return false, nil
			}
			if len(expected) == 0 {
				expected = csv.ownedCRDs
			}
		}
		if minVersion != nil && (csv.version == nil || csv.version.LT(*minVersion)) {
			missing = []string{fmt.Sprintf("%s at version >= %s", csv.name, minVersion)}
			return false, nil
		}

		missing, err = m.missingCRDs(ctx, expected)
		if err != nil {
			return false, err
		}
		m.logger.WithField("missing", missing).Debug("waiting for operator crds")
		return len(missing) == 0, nil
	})
	if pollErr != nil {
		if ctx.Err() == nil && wait.Interrupted(pollErr) {
			return &TimeoutError{
				Target:  fmt.Sprintf("operator %s in namespace %s", m.opts.Package, m.opts.Namespace),
				Timeout: timeout,
				Pending: missing,
			}
		}
		return pollErr
	}

	m.mu.Lock()
	m.deployments = deployments
	m.mu.Unlock()
	m.setState(StateReady)
	return nil
}

// installedCSV returns nil until the subscription reports an installed CSV that
// can be read.
func (m *Machine) installedCSV(ctx context.Context) (*installedCSV, error) {
	var sub interface{}
	if err := clusterctl.Get(ctx, m.runner, &sub, "get", "subscription", m.opts.Name, "-n", m.opts.Namespace); err != nil {
		return nil, err
	}
	names, err := clusterctl.EvalStrings(ctx, ".status.installedCSV", sub)
	if err != nil || len(names) == 0 || names[0] == "" {
		return nil, err
	}

	var doc interface{}
	err = clusterctl.Get(ctx, m.runner, &doc, "get", "csv", names[0], "-n", m.opts.Namespace)
	if clusterctl.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	csv := &installedCSV{name: names[0]}
	if csv.ownedCRDs, err = clusterctl.EvalStrings(ctx, ".spec.customresourcedefinitions.owned[]?.name", doc); err != nil {
		return nil, err
	}
	if csv.deployments, err = clusterctl.EvalStrings(ctx, ".spec.install.spec.deployments[]?.name", doc); err != nil {
		return nil, err
	}
	phases, err := clusterctl.EvalStrings(ctx, ".status.phase", doc)
	if err != nil {
		return nil, err
	}
	if len(phases) > 0 {
		csv.phase = phases[0]
	}
	versions, err := clusterctl.EvalStrings(ctx, ".spec.version", doc)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		v, err := semver.ParseTolerant(versions[0])
		if err != nil {
			return nil, fmt.Errorf("csv %s has invalid version %q: %w", csv.name, versions[0], err)
		}
		csv.version = &v
	}

	m.logger.WithFields(logrus.Fields{"csv": csv.name, "phase": csv.phase}).Debug("observed installed csv")
	return csv, nil
}

// missingCRDs returns the names that do not exist yet or are not established.
func (m *Machine) missingCRDs(ctx context.Context, names []string) ([]string, error) {
	var missing []string
	for _, name := range names {
		crd := &apiextensionsv1.CustomResourceDefinition{}
		err := clusterctl.Get(ctx, m.runner, crd, "get", "crd", name)
		if clusterctl.IsNotFound(err) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !apihelpers.IsCRDConditionTrue(crd, apiextensionsv1.Established) {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// WaitForCatalogSource polls the dedicated CatalogSource until its registry
// connection is READY. It returns immediately when there is no dedicated
// catalog.
func (m *Machine) WaitForCatalogSource(ctx context.Context, timeout time.Duration) (err error) {
	if m.catalog == "" {
		return nil
	}
	start := time.Now()
	defer func() { metrics.ObserveReadinessWait("catalogsource", time.Since(start), err) }()

	var last string
	pollErr := wait.PollUntilContextTimeout(ctx, m.opts.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		cs := &operatorsv1alpha1.CatalogSource{}
		err := clusterctl.Get(ctx, m.runner, cs, "get", "catalogsource", m.catalog, "-n", m.opts.Namespace)
		if clusterctl.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cs.Status.GRPCConnectionState == nil {
			return false, nil
		}
		last = cs.Status.GRPCConnectionState.LastObservedState
		state := connectivityState(last)
		metrics.RegisterCatalogSourceState(m.catalog, m.opts.Namespace, state)
		return state == connectivity.Ready, nil
	})
	if pollErr != nil {
		if ctx.Err() == nil && wait.Interrupted(pollErr) {
			e := &TimeoutError{
				Target:  fmt.Sprintf("catalog source %s/%s", m.opts.Namespace, m.catalog),
				Timeout: timeout,
			}
			if last != "" {
				e.Pending = []string{fmt.Sprintf("%s state (last %s)", connectivity.Ready, last)}
			}
			return e
		}
		return pollErr
	}
	return nil
}

func connectivityState(s string) connectivity.State {
	for _, state := range []connectivity.State{connectivity.Idle, connectivity.Connecting, connectivity.Ready, connectivity.TransientFailure, connectivity.Shutdown} {
		if state.String() == s {
			return state
		}
	}
	return connectivity.Idle
}
