package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/connectivity"
)

const (
	NameLabel      = "name"
	NamespaceLabel = "namespace"
	PackageLabel   = "package"
	OperationLabel = "operation"
	TargetLabel    = "target"
	Outcome        = "outcome"
	Succeeded      = "succeeded"
	Failed         = "failed"
)

// To add new metrics:
// 1. Declare them below.
// 2. Add them to Register().
var (
	subscriptionOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testdeps_subscription_operations_total",
			Help: "Monotonic count of operator subscription lifecycle operations",
		},
		[]string{PackageLabel, OperationLabel, Outcome},
	)

	readinessWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testdeps_readiness_wait_duration_seconds",
			Help:    "Time spent polling for an operator or catalog source to become ready",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{TargetLabel, Outcome},
	)

	catalogSourceReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testdeps_catalogsource_ready",
			Help: "State of a dedicated CatalogSource. 1 indicates that the CatalogSource is in a READY state. 0 indicates CatalogSource is in a Non READY state.",
		},
		[]string{NamespaceLabel, NameLabel},
	)

	prerequisiteOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testdeps_prerequisite_operations_total",
			Help: "Monotonic count of shared prerequisite setup and teardown attempts",
		},
		[]string{NamespaceLabel, OperationLabel, Outcome},
	)

	prerequisiteSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testdeps_prerequisite_subscribers",
			Help: "Number of subscribers last observed on a shared prerequisite namespace",
		},
		[]string{NamespaceLabel},
	)
)

// Register adds every testdeps metric to r.
func Register(r prometheus.Registerer) {
	r.MustRegister(subscriptionOperations)
	r.MustRegister(readinessWaitDuration)
	r.MustRegister(catalogSourceReady)
	r.MustRegister(prerequisiteOperations)
	r.MustRegister(prerequisiteSubscribers)
}

// NewRegistry returns a registry holding only testdeps metrics.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	Register(r)
	return r
}

// WriteTextfile writes everything g gathers to path in the node exporter
// textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

func outcome(err error) string {
	if err != nil {
		return Failed
	}
	return Succeeded
}

func EmitSubscriptionOperation(pkg, operation string, err error) {
	subscriptionOperations.WithLabelValues(pkg, operation, outcome(err)).Inc()
}

func ObserveReadinessWait(target string, duration time.Duration, err error) {
	readinessWaitDuration.WithLabelValues(target, outcome(err)).Observe(duration.Seconds())
}

func RegisterCatalogSourceState(name, namespace string, state connectivity.State) {
	switch state {
	case connectivity.Ready:
		catalogSourceReady.WithLabelValues(namespace, name).Set(1)
	default:
		catalogSourceReady.WithLabelValues(namespace, name).Set(0)
	}
}

func DeleteCatalogSourceStateMetric(name, namespace string) {
	catalogSourceReady.DeleteLabelValues(namespace, name)
}

func EmitPrerequisiteOperation(namespace, operation string, err error) {
	prerequisiteOperations.WithLabelValues(namespace, operation, outcome(err)).Inc()
}

func SetPrerequisiteSubscribers(namespace string, count int) {
	prerequisiteSubscribers.WithLabelValues(namespace).Set(float64(count))
}
