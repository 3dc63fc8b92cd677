// Package subscription installs and removes an operator package through the
// cluster's operator lifecycle manager: a CatalogSource (optional), an
// OperatorGroup and a Subscription, all driven through the command gateway.
//
// Subscribe only requests the installation. Readiness is observed separately
// with WaitForReady so callers own the deadline.
package subscription

import (
	"context"
	"sort"
	"sync"

	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
	"github.com/operator-framework/testdeps/pkg/metrics"
)

// State is the lifecycle position of a Machine.
type State string

const (
	StateUnsubscribed  State = "Unsubscribed"
	StateConfigured    State = "Configured"
	StateSubscribing   State = "Subscribing"
	StateSubscribed    State = "Subscribed"
	StateReady         State = "Ready"
	StateUnsubscribing State = "Unsubscribing"
	StateDismissed     State = "Dismissed"
)

// Machine drives one operator package through its lifecycle. It is safe for
// concurrent use, but operations are not meant to overlap.
type Machine struct {
	runner clusterctl.Runner
	opts   Options
	logger logrus.FieldLogger

	// catalog and image describe the dedicated CatalogSource, if any.
	catalog string
	image   string

	mu    sync.Mutex
	state State
	// deployments are the operator deployments of the installed CSV, known
	// once WaitForReady succeeded.
	deployments []string
}

type Option func(*Machine)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// New returns a Machine in the Unsubscribed state.
func New(runner clusterctl.Runner, opts Options, options ...Option) (*Machine, error) {
	opts.complete()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Env = copyEnv(opts.Env)
	m := &Machine{
		runner: runner,
		opts:   opts,
		logger: logrus.StandardLogger(),
		state:  StateUnsubscribed,
	}
	for _, option := range options {
		option(m)
	}

	if opts.IndexImage != "" {
		image, err := normalizeImage(opts.IndexImage)
		if err != nil {
			return nil, err
		}
		name := opts.CatalogSourceName
		if name == "" {
			if name, err = catalogName(opts.Package, image); err != nil {
				return nil, err
			}
		}
		m.catalog, m.image = name, image
	}
	m.logger = m.logger.WithFields(logrus.Fields{"package": opts.Package, "namespace": opts.Namespace})
	return m, nil
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != s {
		m.logger.WithField("state", s).Debug("subscription state changed")
	}
	m.state = s
}

// Options returns the completed options the machine runs with.
func (m *Machine) Options() Options {
	return m.opts
}

// CatalogSource returns the name of the dedicated CatalogSource managed by
// Configure and Dismiss, or "" if no index image is set.
func (m *Machine) CatalogSource() string {
	return m.catalog
}

// Deployments returns the operator deployment names recorded by WaitForReady.
// They are kept after Unsubscribe so callers can wait for the pods to go away.
func (m *Machine) Deployments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deployments...)
}

// Configure applies a dedicated CatalogSource when an index image is set and
// is a no-op otherwise. Repeating it is harmless.
func (m *Machine) Configure(ctx context.Context) (err error) {
	defer func() { metrics.EmitSubscriptionOperation(m.opts.Package, "configure", err) }()

	if m.catalog == "" {
		m.setState(StateConfigured)
		return nil
	}

	cs := newCatalogSource(m.catalog, m.opts.Namespace, m.image, m.opts.DisplayName, m.opts.Publisher)
	m.logger.WithFields(logrus.Fields{"catalogsource": m.catalog, "image": m.image}).Info("applying catalog source")
	if err := clusterctl.Apply(ctx, m.runner, cs); err != nil {
		return errors.Wrapf(err, "applying catalog source %s", m.catalog)
	}

	m.setState(StateConfigured)
	return nil
}

// ResolveCatalog returns the catalog source a Subscription will be bound to: the
// per-dependency override, then the dedicated catalog, then the default.
func (m *Machine) ResolveCatalog() CatalogRef {
	if !m.opts.CatalogOverride.IsZero() {
		return m.opts.CatalogOverride
	}
	if m.catalog != "" {
		return CatalogRef{Name: m.catalog, Namespace: m.opts.Namespace}
	}
	return m.opts.DefaultCatalog
}

// Subscribe applies an OperatorGroup, unless the namespace already has one, and
// the Subscription. It does not wait for the installation.
func (m *Machine) Subscribe(ctx context.Context) (err error) {
	defer func() { metrics.EmitSubscriptionOperation(m.opts.Package, "subscribe", err) }()
	m.setState(StateSubscribing)

	groups, err := clusterctl.QueryStrings(ctx, m.runner, ".items[].metadata.name", "get", "operatorgroup", "-n", m.opts.Namespace)
	if err != nil {
		return errors.Wrap(err, "listing operator groups")
	}
	if len(groups) == 0 {
		og := m.operatorGroup()
		m.logger.WithField("operatorgroup", og.GetName()).Info("applying operator group")
		if err := clusterctl.Apply(ctx, m.runner, og); err != nil {
			return errors.Wrapf(err, "applying operator group %s", og.GetName())
		}
	} else {
		m.logger.WithField("operatorgroups", groups).Debug("reusing existing operator group")
	}

	sub := m.subscription()
	m.logger.WithFields(logrus.Fields{
		"channel": sub.Spec.Channel,
		"source":  sub.Spec.CatalogSource,
	}).Info("applying subscription")
	if err := clusterctl.Apply(ctx, m.runner, sub); err != nil {
		return errors.Wrapf(err, "applying subscription %s", sub.GetName())
	}

	m.setState(StateSubscribed)
	return nil
}

func (m *Machine) operatorGroup() *operatorsv1.OperatorGroup {
	og := &operatorsv1.OperatorGroup{
		TypeMeta: metav1.TypeMeta{
			APIVersion: operatorsv1.SchemeGroupVersion.String(),
			Kind:       operatorsv1.OperatorGroupKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.opts.OperatorGroupName,
			Namespace: m.opts.Namespace,
		},
	}
	switch {
	case m.opts.AllNamespaces:
	case len(m.opts.TargetNamespaces) > 0:
		og.Spec.TargetNamespaces = append([]string(nil), m.opts.TargetNamespaces...)
	default:
		og.Spec.TargetNamespaces = []string{m.opts.Namespace}
	}
	return og
}

func (m *Machine) subscription() *operatorsv1alpha1.Subscription {
	source := m.ResolveCatalog()
	sub := &operatorsv1alpha1.Subscription{
		TypeMeta: metav1.TypeMeta{
			APIVersion: operatorsv1alpha1.SchemeGroupVersion.String(),
			Kind:       operatorsv1alpha1.SubscriptionKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.opts.Name,
			Namespace: m.opts.Namespace,
		},
		Spec: &operatorsv1alpha1.SubscriptionSpec{
			CatalogSource:          source.Name,
			CatalogSourceNamespace: source.Namespace,
			Package:                m.opts.Package,
			Channel:                m.opts.Channel,
			StartingCSV:            m.opts.StartingCSV,
			InstallPlanApproval:    m.opts.InstallPlanApproval,
		},
	}
	if len(m.opts.Env) > 0 {
		keys := make([]string, 0, len(m.opts.Env))
		for k := range m.opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]corev1.EnvVar, 0, len(keys))
		for _, k := range keys {
			env = append(env, corev1.EnvVar{Name: k, Value: m.opts.Env[k]})
		}
		sub.Spec.Config = &operatorsv1alpha1.SubscriptionConfig{Env: env}
	}
	return sub
}

// Unsubscribe deletes every Subscription, ClusterServiceVersion and
// OperatorGroup in the namespace. Objects that are already gone are not an
// error, so it can be repeated after a partial failure.
func (m *Machine) Unsubscribe(ctx context.Context) (err error) {
	defer func() { metrics.EmitSubscriptionOperation(m.opts.Package, "unsubscribe", err) }()
	m.setState(StateUnsubscribing)

	for _, kind := range []string{"subscription", "csv", "operatorgroup"} {
		_, err := m.runner.Run(ctx, "delete", kind, "--all", "-n", m.opts.Namespace)
		if err := clusterctl.IgnoreNotFound(err); err != nil {
			return errors.Wrapf(err, "deleting %s objects", kind)
		}
	}

	m.setState(StateUnsubscribed)
	return nil
}

// Dismiss deletes the CatalogSource created by Configure, if any.
func (m *Machine) Dismiss(ctx context.Context) (err error) {
	defer func() { metrics.EmitSubscriptionOperation(m.opts.Package, "dismiss", err) }()

	if m.catalog != "" {
		m.logger.WithField("catalogsource", m.catalog).Info("deleting catalog source")
		_, err := m.runner.Run(ctx, "delete", "catalogsource", m.catalog, "-n", m.opts.Namespace)
		if err := clusterctl.IgnoreNotFound(err); err != nil {
			return errors.Wrapf(err, "deleting catalog source %s", m.catalog)
		}
		metrics.DeleteCatalogSourceStateMetric(m.catalog, m.opts.Namespace)
	}

	m.setState(StateDismissed)
	return nil
}
