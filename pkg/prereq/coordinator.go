// Package prereq shares one cluster-wide installation between independent test
// processes.
//
// The only shared state is the label map of a dedicated namespace:
//
//	<prefix>/installing            "true" while some process installs or removes
//	<prefix>/ready                 "true" once an installation succeeded
//	<prefix>-subscriber/<consumer> registration time in unix seconds
//
// Nothing locks these labels. Processes are expected to check installing and
// ready before acting, and concurrent edits are last-writer-wins unless
// conditional updates are enabled.
package prereq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
	"github.com/operator-framework/testdeps/pkg/lib/nslabels"
	"github.com/operator-framework/testdeps/pkg/metrics"
	"github.com/operator-framework/testdeps/pkg/provisioner"
)

const (
	DefaultLabelPrefix       = "testdeps"
	DefaultOperatorGroupName = "global-operators"
	DefaultPollInterval      = 5 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// Namespace is the dedicated shared namespace.
	Namespace string
	// LabelPrefix prefixes every coordination label.
	LabelPrefix string
	// Selector picks the prerequisites provisioner from the registry.
	Selector string
	// OperatorGroupName names the global OperatorGroup applied by Setup.
	OperatorGroupName string
	// PullSecret is a .dockerconfigjson document installed into the namespace.
	// Nothing is configured when empty.
	PullSecret []byte
	// ConditionalUpdates makes label edits fail with nslabels.ErrConflict
	// instead of overwriting a concurrent edit.
	ConditionalUpdates bool
	// PollInterval is how often Acquire re-reads the labels.
	PollInterval time.Duration
}

func (o *Options) complete() error {
	if o.LabelPrefix == "" {
		o.LabelPrefix = DefaultLabelPrefix
	}
	if o.OperatorGroupName == "" {
		o.OperatorGroupName = DefaultOperatorGroupName
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if errs := validation.IsDNS1123Label(o.Namespace); len(errs) > 0 {
		return fmt.Errorf("invalid shared namespace %q: %s", o.Namespace, strings.Join(errs, ", "))
	}
	if errs := validation.IsQualifiedName(o.LabelPrefix + "/ready"); len(errs) > 0 {
		return fmt.Errorf("invalid label prefix %q: %s", o.LabelPrefix, strings.Join(errs, ", "))
	}
	return nil
}

// Coordinator tracks the installing and ready flags and the subscribers of one
// shared namespace, and delegates the installation itself to a provisioner.
type Coordinator struct {
	opts     Options
	client   kubernetes.Interface
	runner   clusterctl.Runner
	registry *Registry
	store    *nslabels.NamespaceStore
	clock    clock.PassiveClock
	logger   logrus.FieldLogger

	mu          sync.Mutex
	provisioner provisioner.Provisioner
	lastErr     error
}

type Option func(*Coordinator)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// NewCoordinator makes sure the shared namespace exists, labelled as neither
// installing nor ready when created, and installs the pull secret if one is
// configured. Prefer Context, which does this once per process.
func NewCoordinator(ctx context.Context, client kubernetes.Interface, runner clusterctl.Runner, registry *Registry, opts Options, options ...Option) (*Coordinator, error) {
	if err := opts.complete(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		opts:     opts,
		client:   client,
		runner:   runner,
		registry: registry,
		clock:    clock.RealClock{},
		logger:   logrus.StandardLogger(),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.WithField("namespace", opts.Namespace)
	c.store = nslabels.New(client, opts.Namespace, c.logger)

	if err := c.bootstrap(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) Namespace() string {
	return c.opts.Namespace
}

func (c *Coordinator) installingKey() string {
	return c.opts.LabelPrefix + "/installing"
}

func (c *Coordinator) readyKey() string {
	return c.opts.LabelPrefix + "/ready"
}

func (c *Coordinator) subscriberPrefix() string {
	return c.opts.LabelPrefix + "-subscriber/"
}

func (c *Coordinator) subscriberKey(consumerID string) (string, error) {
	key := c.subscriberPrefix() + consumerID
	if errs := validation.IsQualifiedName(key); consumerID == "" || len(errs) > 0 {
		return "", fmt.Errorf("invalid consumer id %q: %s", consumerID, strings.Join(errs, ", "))
	}
	return key, nil
}

func (c *Coordinator) setLabels(ctx context.Context, changes map[string]*string) error {
	if !c.opts.ConditionalUpdates {
		return c.store.Set(ctx, changes)
	}
	return c.store.SetIfUnchanged(ctx, func(labels map[string]string) error {
		for k, v := range changes {
			if v == nil {
				delete(labels, k)
				continue
			}
			labels[k] = *v
		}
		return nil
	})
}

// resetLabels writes the labels that must land however an operation ended.
// Conditional writes that lose a race are retried against the fresh label map,
// and the last resort is an unconditional merge patch.
func (c *Coordinator) resetLabels(ctx context.Context, changes map[string]*string) error {
	err := retry.OnError(retry.DefaultRetry, func(err error) bool {
		return errors.Is(err, nslabels.ErrConflict)
	}, func() error {
		return c.setLabels(ctx, changes)
	})
	if errors.Is(err, nslabels.ErrConflict) {
		c.logger.WithError(err).Warn("conditional label reset kept conflicting, patching unconditionally")
		return c.store.Set(ctx, changes)
	}
	return err
}

// IsReady reports the ready flag. A namespace without the label was never
// initialized, which is reported as a *MissingLabelError rather than false.
func (c *Coordinator) IsReady(ctx context.Context) (bool, error) {
	labels, err := c.store.Labels(ctx)
	if err != nil {
		return false, err
	}
	v, ok := labels[c.readyKey()]
	if !ok {
		return false, &MissingLabelError{Namespace: c.opts.Namespace, Key: c.readyKey()}
	}
	return v == "true", nil
}

// IsInstalling reports the installing flag. A missing label counts as false.
func (c *Coordinator) IsInstalling(ctx context.Context) (bool, error) {
	labels, err := c.store.Labels(ctx)
	if err != nil {
		return false, err
	}
	return labels[c.installingKey()] == "true", nil
}

// Subscribe registers consumerID as a user of the shared installation. It
// does not install anything.
func (c *Coordinator) Subscribe(ctx context.Context, consumerID string) error {
	key, err := c.subscriberKey(consumerID)
	if err != nil {
		return err
	}
	now := strconv.FormatInt(c.clock.Now().Unix(), 10)
	if err := c.setLabels(ctx, map[string]*string{key: ptr.To(now)}); err != nil {
		return errors.Wrapf(err, "subscribing %s", consumerID)
	}
	c.logger.WithField("consumer", consumerID).Info("subscribed to shared prerequisites")
	return nil
}

// Unsubscribe removes the registration of consumerID only. It does not tear
// anything down.
func (c *Coordinator) Unsubscribe(ctx context.Context, consumerID string) error {
	key, err := c.subscriberKey(consumerID)
	if err != nil {
		return err
	}
	if err := c.setLabels(ctx, map[string]*string{key: nil}); err != nil {
		return errors.Wrapf(err, "unsubscribing %s", consumerID)
	}
	c.logger.WithField("consumer", consumerID).Info("unsubscribed from shared prerequisites")
	return nil
}

// Subscribers returns the registered consumer ids.
func (c *Coordinator) Subscribers(ctx context.Context) (sets.Set[string], error) {
	labels, err := c.store.Labels(ctx)
	if err != nil {
		return nil, err
	}
	subscribers := sets.New[string]()
	for k := range labels {
		if id, ok := strings.CutPrefix(k, c.subscriberPrefix()); ok {
			subscribers.Insert(id)
		}
	}
	metrics.SetPrerequisiteSubscribers(c.opts.Namespace, subscribers.Len())
	return subscribers, nil
}

// LastError returns the provisioner failure of the latest Setup in this
// process, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) selectProvisioner() (provisioner.Provisioner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provisioner != nil {
		return c.provisioner, nil
	}
	name, p, err := c.registry.Select(c.opts.Selector)
	if err != nil {
		return nil, err
	}
	c.logger.WithField("provisioner", name).Info("selected prerequisites provisioner")
	c.provisioner = p
	return p, nil
}

// Setup installs the shared prerequisites while the installing flag is set.
// Installation failures, including the operator group apply and provisioner
// selection, are logged and leave ready=false; callers learn the outcome from
// IsReady or LastError. The installing flag is cleared however Setup ends.
// Only failures to edit the namespace labels are returned.
func (c *Coordinator) Setup(ctx context.Context) (err error) {
	logger := c.logger.WithField("operation", "setup")
	if err := c.setLabels(ctx, map[string]*string{c.installingKey(): ptr.To("true")}); err != nil {
		return errors.Wrap(err, "marking shared prerequisites as installing")
	}

	var ready bool
	defer func() {
		changes := map[string]*string{c.installingKey(): ptr.To("false")}
		if !ready {
			changes[c.readyKey()] = ptr.To("false")
		}
		if resetErr := c.resetLabels(context.WithoutCancel(ctx), changes); resetErr != nil {
			logger.WithError(resetErr).Error("failed to clear installing label")
			err = utilerrors.NewAggregate([]error{err, errors.Wrap(resetErr, "clearing installing label")})
		}
		outcome := err
		if outcome == nil {
			outcome = c.LastError()
		}
		metrics.EmitPrerequisiteOperation(c.opts.Namespace, "setup", outcome)
	}()

	installErr := c.install(ctx)
	c.mu.Lock()
	c.lastErr = installErr
	c.mu.Unlock()
	if installErr != nil {
		logger.WithError(installErr).Error("shared prerequisites failed to install")
		return nil
	}

	if err := c.setLabels(ctx, map[string]*string{c.readyKey(): ptr.To("true")}); err != nil {
		return errors.Wrap(err, "marking shared prerequisites as ready")
	}
	ready = true
	logger.Info("shared prerequisites are ready")
	return nil
}

func (c *Coordinator) install(ctx context.Context) error {
	if err := c.applyGlobalOperatorGroup(ctx); err != nil {
		return err
	}
	p, err := c.selectProvisioner()
	if err != nil {
		return err
	}
	c.logger.Info("installing shared prerequisites")
	return provisioner.Run(ctx, p)
}

func (c *Coordinator) applyGlobalOperatorGroup(ctx context.Context) error {
	og := &operatorsv1.OperatorGroup{
		TypeMeta: metav1.TypeMeta{
			APIVersion: operatorsv1.SchemeGroupVersion.String(),
			Kind:       operatorsv1.OperatorGroupKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      c.opts.OperatorGroupName,
			Namespace: c.opts.Namespace,
		},
	}
	if err := clusterctl.Apply(ctx, c.runner, og); err != nil {
		return errors.Wrapf(err, "applying operator group %s", og.GetName())
	}
	return nil
}

// TearDown removes the shared prerequisites while the installing flag is set:
// it stops the provisioner and deletes every Subscription,
// ClusterServiceVersion and OperatorGroup in the cluster. Objects that are
// already gone are not an error. TearDown does not look at the subscribers.
func (c *Coordinator) TearDown(ctx context.Context) (err error) {
	logger := c.logger.WithField("operation", "teardown")
	if err := c.setLabels(ctx, map[string]*string{
		c.installingKey(): ptr.To("true"),
		c.readyKey():      ptr.To("false"),
	}); err != nil {
		return errors.Wrap(err, "marking shared prerequisites as installing")
	}
	defer func() {
		if resetErr := c.resetLabels(context.WithoutCancel(ctx), map[string]*string{c.installingKey(): ptr.To("false")}); resetErr != nil {
			logger.WithError(resetErr).Error("failed to clear installing label")
			err = utilerrors.NewAggregate([]error{err, errors.Wrap(resetErr, "clearing installing label")})
		}
		metrics.EmitPrerequisiteOperation(c.opts.Namespace, "teardown", err)
	}()

	logger.Info("removing shared prerequisites")
	var errs []error
	if p, err := c.selectProvisioner(); err != nil {
		errs = append(errs, err)
	} else if err := provisioner.Stop(ctx, p); err != nil {
		errs = append(errs, err)
	}
	if err := c.deleteOperatorObjects(ctx); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

func (c *Coordinator) deleteOperatorObjects(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range []string{"subscription", "csv", "operatorgroup"} {
		kind := kind
		g.Go(func() error {
			_, err := c.runner.Run(ctx, "delete", kind, "--all", "--all-namespaces")
			return errors.Wrapf(clusterctl.IgnoreNotFound(err), "deleting %s objects", kind)
		})
	}
	return g.Wait()
}
