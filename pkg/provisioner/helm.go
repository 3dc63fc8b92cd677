package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/cli/values"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// Chart describes a Helm release.
type Chart struct {
	Release    string
	Path       string
	Values     []string
	ValueFiles []string
	// Wait makes Deploy and Undeploy block until the release resources are
	// ready or deleted.
	Wait bool
}

// clientAdapter implements genericclioptions.RESTClientGetter and
// clientcmd.ClientConfig around *rest.Config, in order to satisfy
// Helm.
type clientAdapter struct {
	*rest.Config
	namespace string
}

func (a clientAdapter) ToRESTConfig() (*rest.Config, error) {
	if a.Config == nil {
		return nil, fmt.Errorf("REST config is nil")
	}
	return a.Config, nil
}

func (a clientAdapter) ToDiscoveryClient() (discovery.CachedDiscoveryInterface, error) {
	cfg, err := a.ToRESTConfig()
	if err != nil {
		return nil, err
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return memory.NewMemCacheClient(dc), nil
}

func (a clientAdapter) ToRESTMapper() (meta.RESTMapper, error) {
	dc, err := a.ToDiscoveryClient()
	if err != nil {
		return nil, err
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(dc)
	return restmapper.NewShortcutExpander(mapper, dc, nil), nil
}

func (a clientAdapter) ToRawKubeConfigLoader() clientcmd.ClientConfig {
	return clientcmd.ClientConfig(a)
}

func (a clientAdapter) RawConfig() (clientcmdapi.Config, error) {
	return clientcmdapi.Config{}, fmt.Errorf("not supported")
}

func (a clientAdapter) ClientConfig() (*rest.Config, error) {
	return a.ToRESTConfig()
}

func (a clientAdapter) Namespace() (string, bool, error) {
	return a.namespace, false, nil
}

func (a clientAdapter) ConfigAccess() clientcmd.ConfigAccess {
	return clientcmd.NewDefaultClientConfigLoadingRules()
}

// HelmProvisioner maps the lifecycle onto a Helm release.
type HelmProvisioner struct {
	app    Application
	cfg    *action.Configuration
	logger logrus.FieldLogger

	chart  *chart.Chart
	values map[string]interface{}
}

var _ Provisioner = &HelmProvisioner{}

type HelmOption func(*HelmProvisioner)

// WithActionConfig replaces the Helm action configuration built from the REST
// config.
func WithActionConfig(cfg *action.Configuration) HelmOption {
	return func(p *HelmProvisioner) {
		p.cfg = cfg
	}
}

func NewHelmProvisioner(restConfig *rest.Config, app Application, logger logrus.FieldLogger, options ...HelmOption) (*HelmProvisioner, error) {
	if app.Chart == nil {
		return nil, fmt.Errorf("application %q has no chart", app.Name)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	app.complete()
	if app.Chart.Release == "" {
		app.Chart.Release = app.Name
	}

	p := &HelmProvisioner{
		app:    app,
		logger: logger.WithFields(logrus.Fields{"application": app.Name, "release": app.Chart.Release}),
	}
	for _, option := range options {
		option(p)
	}
	if p.cfg == nil {
		p.cfg = new(action.Configuration)
		if err := p.cfg.Init(clientAdapter{Config: restConfig, namespace: app.Namespace}, app.Namespace, os.Getenv("HELM_DRIVER"), p.debugLog); err != nil {
			return nil, fmt.Errorf("failure initializing Helm configuration: %w", err)
		}
	}
	return p, nil
}

func (p *HelmProvisioner) debugLog(format string, v ...interface{}) {
	p.logger.Debugf(format, v...)
}

// Configure loads the chart and merges its values.
func (p *HelmProvisioner) Configure(context.Context) error {
	c, err := loader.Load(p.app.Chart.Path)
	if err != nil {
		return fmt.Errorf("loading chart %s: %w", p.app.Chart.Path, err)
	}
	valueOptions := values.Options{
		Values:     p.app.Chart.Values,
		ValueFiles: p.app.Chart.ValueFiles,
	}
	vals, err := valueOptions.MergeValues(getter.All(cli.New()))
	if err != nil {
		return fmt.Errorf("merging chart values: %w", err)
	}
	p.chart, p.values = c, vals
	return nil
}

func (p *HelmProvisioner) PreDeploy(context.Context) error {
	return nil
}

// Deploy installs the release, or upgrades it when it already exists.
func (p *HelmProvisioner) Deploy(context.Context) error {
	if p.chart == nil {
		return fmt.Errorf("chart for release %s was not configured", p.app.Chart.Release)
	}

	history := action.NewHistory(p.cfg)
	history.Max = 1
	releases, err := history.Run(p.app.Chart.Release)
	if err != nil && !errors.Is(err, driver.ErrReleaseNotFound) {
		return err
	}

	if len(releases) == 0 {
		act := action.NewInstall(p.cfg)
		act.ReleaseName = p.app.Chart.Release
		act.Namespace = p.app.Namespace
		act.CreateNamespace = true
		act.Wait = p.app.Chart.Wait
		act.Timeout = p.app.ReadyTimeout
		p.logger.Info("installing release")
		_, err := act.Run(p.chart, p.values)
		return err
	}

	act := action.NewUpgrade(p.cfg)
	act.Namespace = p.app.Namespace
	act.Wait = p.app.Chart.Wait
	act.Timeout = p.app.ReadyTimeout
	p.logger.Info("upgrading release")
	_, err = act.Run(p.app.Chart.Release, p.chart, p.values)
	return err
}

// Undeploy uninstalls the release. A release that is already gone is not an
// error.
func (p *HelmProvisioner) Undeploy(context.Context) error {
	act := action.NewUninstall(p.cfg)
	act.Wait = p.app.Chart.Wait
	act.Timeout = p.app.UndeployTimeout
	if _, err := act.Run(p.app.Chart.Release); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			p.logger.WithError(err).Debug("release already uninstalled")
			return nil
		}
		return err
	}
	p.logger.Info("release uninstalled")
	return nil
}

func (p *HelmProvisioner) PostUndeploy(context.Context) error {
	return nil
}

func (p *HelmProvisioner) Dismiss(context.Context) error {
	p.chart, p.values = nil, nil
	return nil
}
