package subscription

import (
	"fmt"
	"time"

	"github.com/blang/semver/v4"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	DefaultCatalogSource          = "redhat-operators"
	DefaultCatalogSourceNamespace = "openshift-marketplace"
	DefaultPollInterval           = 5 * time.Second
)

// CatalogRef names a CatalogSource.
type CatalogRef struct {
	Name      string `json:"name,omitempty" mapstructure:"name"`
	Namespace string `json:"namespace,omitempty" mapstructure:"namespace"`
}

func (r CatalogRef) IsZero() bool {
	return r.Name == ""
}

func (r CatalogRef) String() string {
	return r.Namespace + "/" + r.Name
}

// Options describes one operator package installation.
type Options struct {
	// Package is the operator package name in the catalog.
	Package string
	// Namespace receives the OperatorGroup, Subscription and any dedicated
	// CatalogSource.
	Namespace string
	// Name of the Subscription. Defaults to Package.
	Name string
	// OperatorGroupName is used when no OperatorGroup exists yet. Defaults to
	// Namespace.
	OperatorGroupName string
	// TargetNamespaces scopes the OperatorGroup. Nil means the install
	// namespace only.
	TargetNamespaces []string
	// AllNamespaces makes the created OperatorGroup global.
	AllNamespaces bool

	Channel             string
	StartingCSV         string
	InstallPlanApproval operatorsv1alpha1.Approval
	Env                 map[string]string

	// IndexImage, when set, is served through a dedicated CatalogSource created
	// by Configure.
	IndexImage string
	// CatalogSourceName names the dedicated CatalogSource. Derived from the
	// package and the image when empty.
	CatalogSourceName string
	DisplayName       string
	Publisher         string

	// CatalogOverride, when set, wins over both the dedicated and the default
	// catalog source.
	CatalogOverride CatalogRef
	// DefaultCatalog is used when neither an override nor an index image is set.
	DefaultCatalog CatalogRef

	// ExpectedCRDs must all exist before WaitForReady returns. When empty, the
	// CRDs owned by the installed CSV are expected.
	ExpectedCRDs []string
	// MinVersion, if set, is the lowest acceptable installed CSV version.
	MinVersion   string
	PollInterval time.Duration
}

func (o *Options) complete() {
	if o.Name == "" {
		o.Name = o.Package
	}
	if o.OperatorGroupName == "" {
		o.OperatorGroupName = o.Namespace
	}
	if o.InstallPlanApproval == "" {
		o.InstallPlanApproval = operatorsv1alpha1.ApprovalAutomatic
	}
	if o.DefaultCatalog.Name == "" {
		o.DefaultCatalog.Name = DefaultCatalogSource
	}
	if o.DefaultCatalog.Namespace == "" {
		o.DefaultCatalog.Namespace = DefaultCatalogSourceNamespace
	}
	if o.CatalogOverride.Name != "" && o.CatalogOverride.Namespace == "" {
		o.CatalogOverride.Namespace = o.DefaultCatalog.Namespace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

func (o *Options) validate() error {
	if o.Package == "" {
		return fmt.Errorf("package name is required")
	}
	for field, value := range map[string]string{"namespace": o.Namespace, "subscription name": o.Name, "operator group name": o.OperatorGroupName} {
		if errs := validation.IsDNS1123Label(value); len(errs) > 0 {
			return fmt.Errorf("invalid %s %q: %v", field, value, errs)
		}
	}
	switch o.InstallPlanApproval {
	case operatorsv1alpha1.ApprovalAutomatic, operatorsv1alpha1.ApprovalManual:
	default:
		return fmt.Errorf("invalid install plan approval %q", o.InstallPlanApproval)
	}
	if o.MinVersion != "" {
		if _, err := semver.ParseTolerant(o.MinVersion); err != nil {
			return fmt.Errorf("invalid minimum version %q: %w", o.MinVersion, err)
		}
	}
	return nil
}
