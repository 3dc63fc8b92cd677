package provisioner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl/fake"
	"github.com/operator-framework/testdeps/pkg/operators/subscription"
	"github.com/operator-framework/testdeps/pkg/provisioner"
)

const (
	amqCSV = `{"spec":{"version":"7.12.0","customresourcedefinitions":{"owned":[{"name":"activemqartemises.broker.amq.io"}]},"install":{"spec":{"deployments":[{"name":"amq-broker-controller-manager"}]}}}}`
	crd    = `{"status":{"conditions":[{"type":"Established","status":"True"}]}}`
)

func amqApplication() provisioner.Application {
	return provisioner.Application{
		Name:      "amq-broker",
		Namespace: "amq",
		Operator: &subscription.Options{
			Package:      "amq-broker-rhel8",
			Channel:      "7.12.x",
			IndexImage:   "quay.io/rhmessagingqe/amq-index:7.12",
			PollInterval: 10 * time.Millisecond,
		},
		CatalogTimeout:  time.Second,
		ReadyTimeout:    time.Second,
		UndeployTimeout: time.Second,
	}
}

func TestOperatorProvisionerLifecycle(t *testing.T) {
	r := fake.NewRunner().
		On("get catalogsource", `{"status":{"connectionState":{"lastObservedState":"READY"}}}`, nil).
		On("get operatorgroup", `{"items":[]}`, nil).
		On("get subscription", `{"status":{"installedCSV":"amq-broker-operator.v7.12.0"}}`, nil).
		On("get csv", amqCSV, nil).
		On("get crd", crd, nil).
		On("get pods", `{"items":[{"metadata":{"name":"amq-broker-controller-manager-6f9c7-x2x4l"}},{"metadata":{"name":"broker-ss-0"}}]}`, nil).
		On("get pods", `{"items":[{"metadata":{"name":"broker-ss-0"}}]}`, nil)

	p, err := provisioner.NewOperatorProvisioner(r, amqApplication(), nil)
	require.NoError(t, err)
	require.Equal(t, "amq", p.Machine().Options().Namespace)

	require.NoError(t, provisioner.Run(context.Background(), p))
	require.Equal(t, subscription.StateReady, p.Machine().State())
	require.Len(t, r.Applied(), 3, "catalog source, operator group and subscription")

	require.NoError(t, provisioner.Stop(context.Background(), p))
	require.Equal(t, subscription.StateDismissed, p.Machine().State())
	require.Equal(t, 2, r.Count("get pods -n amq"))
	require.Equal(t, 1, r.Count("delete catalogsource "+p.Machine().CatalogSource()))
}

func TestOperatorProvisionerPostUndeployWithSelector(t *testing.T) {
	r := fake.NewRunner().
		On("get pods -n amq -l name=amq-broker-operator", `{"items":[{"metadata":{"name":"amq-broker-operator-1"}}]}`, nil)
	app := amqApplication()
	app.PodSelector = "name=amq-broker-operator"
	app.UndeployTimeout = 50 * time.Millisecond

	p, err := provisioner.NewOperatorProvisioner(r, app, nil)
	require.NoError(t, err)

	err = p.PostUndeploy(context.Background())
	require.ErrorIs(t, err, subscription.ErrReadinessTimeout)

	var timeout *subscription.TimeoutError
	require.True(t, errors.As(err, &timeout))
	require.Equal(t, []string{"amq-broker-operator-1"}, timeout.Pending)
}

func TestOperatorProvisionerPostUndeployNothingToWaitFor(t *testing.T) {
	r := fake.NewRunner()
	p, err := provisioner.NewOperatorProvisioner(r, amqApplication(), nil)
	require.NoError(t, err)

	require.NoError(t, p.PostUndeploy(context.Background()))
	require.Empty(t, r.Calls())
}

func TestNewOperatorProvisionerRequiresOperator(t *testing.T) {
	_, err := provisioner.NewOperatorProvisioner(fake.NewRunner(), provisioner.Application{Name: "rhsso"}, nil)
	require.Error(t, err)
}
