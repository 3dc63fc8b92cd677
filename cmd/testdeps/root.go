package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/operator-framework/testdeps/pkg/config"
	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
	"github.com/operator-framework/testdeps/pkg/lib/kubeconfig"
	"github.com/operator-framework/testdeps/pkg/metrics"
	"github.com/operator-framework/testdeps/pkg/prereq"
	"github.com/operator-framework/testdeps/pkg/provisioner"
	"github.com/operator-framework/testdeps/pkg/version"
)

type options struct {
	configPath  string
	kubeconfig  string
	context     string
	metricsFile string
	debug       bool
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path to the testdeps configuration file")
	fs.StringVar(&o.kubeconfig, "kubeconfig", "", "absolute path to the kubeconfig file")
	fs.StringVar(&o.context, "context", "", "kubeconfig context to use")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "write metrics to this file in the node exporter textfile format")
	fs.BoolVar(&o.debug, "debug", false, "use debug log level")
}

// environment holds what every command needs. Fields already set are kept,
// which lets tests inject fakes.
type environment struct {
	config     *config.Config
	logger     *logrus.Logger
	runner     clusterctl.Runner
	client     kubernetes.Interface
	restConfig *rest.Config
	metrics    *prometheus.Registry

	metricsFile string
	shared      *prereq.Context
}

func newRootCmd(env *environment) *cobra.Command {
	o := options{}

	cmd := &cobra.Command{
		Use:          "testdeps",
		Short:        "Install and share the cluster dependencies of a test run",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.init(o)
		},
	}
	o.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newSharedCmd(env),
		newOperatorCmd(env),
		&cobra.Command{
			Use:               "version",
			Short:             "Print the testdeps version",
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprint(cmd.OutOrStdout(), version.String())
			},
		},
	)
	return cmd
}

func (e *environment) init(o options) error {
	if e.logger == nil {
		e.logger = logrus.New()
	}
	if o.debug {
		e.logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return err
	}
	if o.kubeconfig != "" {
		cfg.Cluster.Kubeconfig = o.kubeconfig
	}
	if o.context != "" {
		cfg.Cluster.Context = o.context
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.config = cfg
	e.metricsFile = o.metricsFile

	if e.metrics == nil {
		e.metrics = metrics.NewRegistry()
	}
	if e.runner == nil {
		e.runner, err = clusterctl.NewClient(
			clusterctl.WithBinary(cfg.Cluster.Binary),
			clusterctl.WithCredentials(cfg.Credentials()),
			clusterctl.WithRateLimit(cfg.Cluster.QPS, cfg.Cluster.Burst),
			clusterctl.WithLogger(e.logger),
		)
		if err != nil {
			return err
		}
	}
	if e.client == nil {
		e.client, e.restConfig, err = kubeconfig.NewClient(cfg.Cluster.Kubeconfig, cfg.Cluster.Context)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *environment) writeMetrics() error {
	if e.metricsFile == "" || e.metrics == nil {
		return nil
	}
	return metrics.WriteTextfile(e.metricsFile, e.metrics)
}

// registry offers an operator provisioner for dependencies installed from a
// catalog, and a helm provisioner for chart dependencies.
func (e *environment) registry() *prereq.Registry {
	return prereq.NewRegistry().
		Register("operator", 10, func(name string) (provisioner.Provisioner, error) {
			d, ok := e.config.Dependencies[name]
			if !ok || d.Operator == nil {
				return nil, nil
			}
			app, err := e.config.Application(name)
			if err != nil {
				return nil, err
			}
			p, err := provisioner.NewOperatorProvisioner(e.runner, app, e.logger.WithField("dependency", name))
			if err != nil {
				return nil, err
			}
			return p, nil
		}).
		Register("helm", 5, func(name string) (provisioner.Provisioner, error) {
			d, ok := e.config.Dependencies[name]
			if !ok || d.Chart == nil {
				return nil, nil
			}
			app, err := e.config.Application(name)
			if err != nil {
				return nil, err
			}
			p, err := provisioner.NewHelmProvisioner(e.restConfig, app, e.logger.WithField("dependency", name))
			if err != nil {
				return nil, err
			}
			return p, nil
		})
}

func (e *environment) provisioner(name string) (provisioner.Provisioner, error) {
	_, p, err := e.registry().Select(name)
	return p, err
}

func (e *environment) sharedContext() (*prereq.Context, error) {
	if e.shared != nil {
		return e.shared, nil
	}
	opts, err := e.config.PrereqOptions()
	if err != nil {
		return nil, err
	}
	e.shared = prereq.NewContext(e.client, e.runner, e.registry(), opts, prereq.WithLogger(e.logger))
	return e.shared, nil
}
