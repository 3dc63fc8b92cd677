// Package kubeconfig resolves the cluster a test run talks to.
package kubeconfig

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// MaxKubeconfigBytes bounds how much of a kubeconfig file is read.
const MaxKubeconfigBytes = 65535

var (
	lookupHost = net.LookupHost
	inCluster  = rest.InClusterConfig
)

// Paths returns the kubeconfig files consulted, in order: explicit alone if
// set, otherwise every entry of $KUBECONFIG, otherwise ~/.kube/config. This
// is the same list kubectl and oc merge.
func Paths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	return clientcmd.NewDefaultClientConfigLoadingRules().GetLoadingPrecedence()
}

// RESTConfig loads the kubeconfig, selecting context if set. An explicit file
// is read on its own; otherwise the $KUBECONFIG list is merged the way kubectl
// does. Without any kubeconfig file it falls back to the in-cluster config.
func RESTConfig(explicit, context string) (*rest.Config, error) {
	overrides := &clientcmd.ConfigOverrides{CurrentContext: context}
	if explicit != "" {
		return loadFile(explicit, overrides)
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if !anyExists(rules.GetLoadingPrecedence()) {
		return inClusterConfig()
	}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading kubeconfig: %w", err)
	}
	return restConfig, nil
}

func anyExists(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

func loadFile(path string, overrides *clientcmd.ConfigOverrides) (*rest.Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return inClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open kubeconfig: %w", err)
	}
	defer f.Close()

	var b bytes.Buffer
	n, err := b.ReadFrom(io.LimitReader(f, MaxKubeconfigBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read kubeconfig: %w", err)
	}
	if n >= MaxKubeconfigBytes {
		return nil, fmt.Errorf("kubeconfig larger than maximum allowed size: %d bytes", MaxKubeconfigBytes)
	}

	cfg, err := clientcmd.Load(b.Bytes())
	if err != nil {
		return nil, fmt.Errorf("error loading kubeconfig: %w", err)
	}
	restConfig, err := clientcmd.NewDefaultClientConfig(*cfg, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading kubeconfig: %w", err)
	}
	return restConfig, nil
}

func inClusterConfig() (*rest.Config, error) {
	// see https://github.com/coreos/etcd-operator/issues/731#issuecomment-283804819
	if len(os.Getenv("KUBERNETES_SERVICE_HOST")) == 0 {
		addrs, err := lookupHost("kubernetes.default.svc")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve kubernetes service: %w", err)
		}
		os.Setenv("KUBERNETES_SERVICE_HOST", addrs[0])
	}
	if len(os.Getenv("KUBERNETES_SERVICE_PORT")) == 0 {
		os.Setenv("KUBERNETES_SERVICE_PORT", "443")
	}

	restConfig, err := inCluster()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve in-cluster config: %w", err)
	}
	return restConfig, nil
}

// NewClient returns a clientset for the resolved cluster along with its
// REST config.
func NewClient(explicit, context string) (kubernetes.Interface, *rest.Config, error) {
	restConfig, err := RESTConfig(explicit, context)
	if err != nil {
		return nil, nil, err
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, restConfig, nil
}
