// Package config holds the settings of a test dependency run: which cluster to
// talk to, the shared namespace, and the dependencies that can be installed.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
	"github.com/operator-framework/testdeps/pkg/lib/manifest"
	"github.com/operator-framework/testdeps/pkg/operators/subscription"
	"github.com/operator-framework/testdeps/pkg/prereq"
	"github.com/operator-framework/testdeps/pkg/provisioner"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TESTDEPS_"

type Config struct {
	Cluster   Cluster   `json:"cluster"`
	Shared    Shared    `json:"shared"`
	Readiness Readiness `json:"readiness"`
	// DefaultCatalog is used by dependencies with neither an index image nor a
	// catalog override.
	DefaultCatalog subscription.CatalogRef `json:"defaultCatalog"`
	Dependencies   map[string]Dependency   `json:"dependencies,omitempty"`
}

// Cluster selects the command-line client and the cluster it talks to.
type Cluster struct {
	Binary                string  `json:"binary,omitempty"`
	Kubeconfig            string  `json:"kubeconfig,omitempty"`
	Context               string  `json:"context,omitempty"`
	Server                string  `json:"server,omitempty"`
	Token                 string  `json:"token,omitempty"`
	InsecureSkipTLSVerify bool    `json:"insecureSkipTLSVerify,omitempty"`
	QPS                   float64 `json:"qps,omitempty"`
	Burst                 int     `json:"burst,omitempty"`
}

// Shared configures the shared prerequisites namespace.
type Shared struct {
	Namespace   string `json:"namespace"`
	LabelPrefix string `json:"labelPrefix,omitempty"`
	// Provisioner names the dependency that makes up the shared
	// prerequisites.
	Provisioner        string `json:"provisioner,omitempty"`
	OperatorGroupName  string `json:"operatorGroupName,omitempty"`
	PullSecretFile     string `json:"pullSecretFile,omitempty"`
	ConditionalUpdates bool   `json:"conditionalUpdates,omitempty"`
}

type Readiness struct {
	CatalogTimeout  metav1.Duration `json:"catalogTimeout"`
	ReadyTimeout    metav1.Duration `json:"readyTimeout"`
	UndeployTimeout metav1.Duration `json:"undeployTimeout"`
	PollInterval    metav1.Duration `json:"pollInterval"`
}

// Dependency is one installable application. Exactly one of Operator and
// Chart is set.
type Dependency struct {
	Namespace   string    `json:"namespace"`
	PodSelector string    `json:"podSelector,omitempty"`
	Operator    *Operator `json:"operator,omitempty"`
	Chart       *Chart    `json:"chart,omitempty"`
}

type Operator struct {
	Package             string                  `json:"package"`
	Channel             string                  `json:"channel,omitempty"`
	StartingCSV         string                  `json:"startingCSV,omitempty"`
	InstallPlanApproval string                  `json:"installPlanApproval,omitempty"`
	TargetNamespaces    []string                `json:"targetNamespaces,omitempty"`
	AllNamespaces       bool                    `json:"allNamespaces,omitempty"`
	Env                 map[string]string       `json:"env,omitempty"`
	IndexImage          string                  `json:"indexImage,omitempty"`
	CatalogSourceName   string                  `json:"catalogSourceName,omitempty"`
	CatalogSource       subscription.CatalogRef `json:"catalogSource,omitempty"`
	ExpectedCRDs        []string                `json:"expectedCRDs,omitempty"`
	MinVersion          string                  `json:"minVersion,omitempty"`
}

type Chart struct {
	Release    string   `json:"release,omitempty"`
	Path       string   `json:"path"`
	Values     []string `json:"values,omitempty"`
	ValueFiles []string `json:"valueFiles,omitempty"`
	Wait       bool     `json:"wait,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Shared: Shared{
			Namespace:         "testdeps",
			LabelPrefix:       prereq.DefaultLabelPrefix,
			OperatorGroupName: prereq.DefaultOperatorGroupName,
		},
		Readiness: Readiness{
			CatalogTimeout:  metav1.Duration{Duration: provisioner.DefaultCatalogTimeout},
			ReadyTimeout:    metav1.Duration{Duration: provisioner.DefaultReadyTimeout},
			UndeployTimeout: metav1.Duration{Duration: provisioner.DefaultUndeployTimeout},
			PollInterval:    metav1.Duration{Duration: subscription.DefaultPollInterval},
		},
		DefaultCatalog: subscription.CatalogRef{
			Name:      subscription.DefaultCatalogSource,
			Namespace: subscription.DefaultCatalogSourceNamespace,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if err := manifest.Load(path, c); err != nil {
		return nil, errors.Wrapf(err, "loading config %s", path)
	}
	return c, nil
}

// overrides lists the settings that can be set from the environment, keyed by
// the variable name without EnvPrefix.
type overrides struct {
	Binary                 *string        `mapstructure:"BINARY"`
	Kubeconfig             *string        `mapstructure:"KUBECONFIG"`
	Context                *string        `mapstructure:"CONTEXT"`
	Server                 *string        `mapstructure:"SERVER"`
	Token                  *string        `mapstructure:"TOKEN"`
	InsecureSkipTLSVerify  *bool          `mapstructure:"INSECURE_SKIP_TLS_VERIFY"`
	QPS                    *float64       `mapstructure:"QPS"`
	Burst                  *int           `mapstructure:"BURST"`
	SharedNamespace        *string        `mapstructure:"SHARED_NAMESPACE"`
	LabelPrefix            *string        `mapstructure:"LABEL_PREFIX"`
	Provisioner            *string        `mapstructure:"PROVISIONER"`
	PullSecretFile         *string        `mapstructure:"PULL_SECRET_FILE"`
	ConditionalUpdates     *bool          `mapstructure:"CONDITIONAL_UPDATES"`
	CatalogTimeout         *time.Duration `mapstructure:"CATALOG_TIMEOUT"`
	ReadyTimeout           *time.Duration `mapstructure:"READY_TIMEOUT"`
	UndeployTimeout        *time.Duration `mapstructure:"UNDEPLOY_TIMEOUT"`
	PollInterval           *time.Duration `mapstructure:"POLL_INTERVAL"`
	CatalogSource          *string        `mapstructure:"CATALOG_SOURCE"`
	CatalogSourceNamespace *string        `mapstructure:"CATALOG_SOURCE_NAMESPACE"`
}

// ApplyEnv overrides settings from TESTDEPS_* variables in environ, which has
// the KEY=VALUE form of os.Environ.
func (c *Config) ApplyEnv(environ []string) error {
	vars := map[string]interface{}{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		vars[strings.TrimPrefix(key, EnvPrefix)] = value
	}
	if len(vars) == 0 {
		return nil
	}

	var o overrides
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &o,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(vars); err != nil {
		return errors.Wrap(err, "decoding environment overrides")
	}

	setString(&c.Cluster.Binary, o.Binary)
	setString(&c.Cluster.Kubeconfig, o.Kubeconfig)
	setString(&c.Cluster.Context, o.Context)
	setString(&c.Cluster.Server, o.Server)
	setString(&c.Cluster.Token, o.Token)
	if o.InsecureSkipTLSVerify != nil {
		c.Cluster.InsecureSkipTLSVerify = *o.InsecureSkipTLSVerify
	}
	if o.QPS != nil {
		c.Cluster.QPS = *o.QPS
	}
	if o.Burst != nil {
		c.Cluster.Burst = *o.Burst
	}
	setString(&c.Shared.Namespace, o.SharedNamespace)
	setString(&c.Shared.LabelPrefix, o.LabelPrefix)
	setString(&c.Shared.Provisioner, o.Provisioner)
	setString(&c.Shared.PullSecretFile, o.PullSecretFile)
	if o.ConditionalUpdates != nil {
		c.Shared.ConditionalUpdates = *o.ConditionalUpdates
	}
	setDuration(&c.Readiness.CatalogTimeout, o.CatalogTimeout)
	setDuration(&c.Readiness.ReadyTimeout, o.ReadyTimeout)
	setDuration(&c.Readiness.UndeployTimeout, o.UndeployTimeout)
	setDuration(&c.Readiness.PollInterval, o.PollInterval)
	setString(&c.DefaultCatalog.Name, o.CatalogSource)
	setString(&c.DefaultCatalog.Namespace, o.CatalogSourceNamespace)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *metav1.Duration, v *time.Duration) {
	if v != nil {
		dst.Duration = *v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if msgs := validation.IsDNS1123Label(c.Shared.Namespace); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("shared.namespace %q: %s", c.Shared.Namespace, strings.Join(msgs, ", ")))
	}
	if p := c.Shared.Provisioner; p != "" {
		if _, ok := c.Dependencies[p]; !ok {
			errs = append(errs, fmt.Errorf("shared.provisioner %q is not a configured dependency", p))
		}
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"readiness.catalogTimeout", c.Readiness.CatalogTimeout.Duration},
		{"readiness.readyTimeout", c.Readiness.ReadyTimeout.Duration},
		{"readiness.undeployTimeout", c.Readiness.UndeployTimeout.Duration},
		{"readiness.pollInterval", c.Readiness.PollInterval.Duration},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.Cluster.QPS < 0 {
		errs = append(errs, fmt.Errorf("cluster.qps must not be negative"))
	}

	for _, name := range c.DependencyNames() {
		d := c.Dependencies[name]
		if msgs := validation.IsDNS1123Label(d.Namespace); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("dependencies.%s.namespace %q: %s", name, d.Namespace, strings.Join(msgs, ", ")))
		}
		switch {
		case d.Operator == nil && d.Chart == nil:
			errs = append(errs, fmt.Errorf("dependencies.%s: one of operator or chart is required", name))
		case d.Operator != nil && d.Chart != nil:
			errs = append(errs, fmt.Errorf("dependencies.%s: operator and chart are mutually exclusive", name))
		case d.Operator != nil:
			if d.Operator.Package == "" {
				errs = append(errs, fmt.Errorf("dependencies.%s.operator.package is required", name))
			}
			switch operatorsv1alpha1.Approval(d.Operator.InstallPlanApproval) {
			case "", operatorsv1alpha1.ApprovalAutomatic, operatorsv1alpha1.ApprovalManual:
			default:
				errs = append(errs, fmt.Errorf("dependencies.%s.operator.installPlanApproval %q must be Automatic or Manual", name, d.Operator.InstallPlanApproval))
			}
		case d.Chart.Path == "":
			errs = append(errs, fmt.Errorf("dependencies.%s.chart.path is required", name))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// DependencyNames returns the configured dependency names in order.
func (c *Config) DependencyNames() []string {
	names := make([]string, 0, len(c.Dependencies))
	for name := range c.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Application returns the provisioner description of the named dependency.
func (c *Config) Application(name string) (provisioner.Application, error) {
	d, ok := c.Dependencies[name]
	if !ok {
		return provisioner.Application{}, fmt.Errorf("unknown dependency %q", name)
	}
	app := provisioner.Application{
		Name:            name,
		Namespace:       d.Namespace,
		PodSelector:     d.PodSelector,
		CatalogTimeout:  c.Readiness.CatalogTimeout.Duration,
		ReadyTimeout:    c.Readiness.ReadyTimeout.Duration,
		UndeployTimeout: c.Readiness.UndeployTimeout.Duration,
	}
	if op := d.Operator; op != nil {
		app.Operator = &subscription.Options{
			Package:             op.Package,
			Namespace:           d.Namespace,
			TargetNamespaces:    op.TargetNamespaces,
			AllNamespaces:       op.AllNamespaces,
			Channel:             op.Channel,
			StartingCSV:         op.StartingCSV,
			InstallPlanApproval: operatorsv1alpha1.Approval(op.InstallPlanApproval),
			Env:                 op.Env,
			IndexImage:          op.IndexImage,
			CatalogSourceName:   op.CatalogSourceName,
			CatalogOverride:     op.CatalogSource,
			DefaultCatalog:      c.DefaultCatalog,
			ExpectedCRDs:        op.ExpectedCRDs,
			MinVersion:          op.MinVersion,
			PollInterval:        c.Readiness.PollInterval.Duration,
		}
	}
	if ch := d.Chart; ch != nil {
		app.Chart = &provisioner.Chart{
			Release:    ch.Release,
			Path:       ch.Path,
			Values:     ch.Values,
			ValueFiles: ch.ValueFiles,
			Wait:       ch.Wait,
		}
	}
	return app, nil
}

// Credentials returns the flags passed to the command-line client.
func (c *Config) Credentials() clusterctl.Credentials {
	return clusterctl.Credentials{
		Kubeconfig:            c.Cluster.Kubeconfig,
		Context:               c.Cluster.Context,
		Server:                c.Cluster.Server,
		Token:                 c.Cluster.Token,
		InsecureSkipTLSVerify: c.Cluster.InsecureSkipTLSVerify,
	}
}

// PrereqOptions returns the coordinator options, reading the pull secret file
// if one is configured.
func (c *Config) PrereqOptions() (prereq.Options, error) {
	opts := prereq.Options{
		Namespace:          c.Shared.Namespace,
		LabelPrefix:        c.Shared.LabelPrefix,
		Selector:           c.Shared.Provisioner,
		OperatorGroupName:  c.Shared.OperatorGroupName,
		ConditionalUpdates: c.Shared.ConditionalUpdates,
		PollInterval:       c.Readiness.PollInterval.Duration,
	}
	if c.Shared.PullSecretFile != "" {
		b, err := os.ReadFile(c.Shared.PullSecretFile)
		if err != nil {
			return opts, errors.Wrap(err, "reading pull secret")
		}
		opts.PullSecret = b
	}
	return opts, nil
}
