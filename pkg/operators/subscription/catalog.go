package subscription

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/mitchellh/hashstructure"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

// normalizeImage validates an index image reference and returns its fully
// qualified form, defaulting the tag to latest.
func normalizeImage(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("invalid index image %q: %w", image, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// catalogName derives a stable CatalogSource name for a package served from image.
func catalogName(pkg, image string) (string, error) {
	hash, err := hashstructure.Hash(image, nil)
	if err != nil {
		return "", fmt.Errorf("hashing index image: %w", err)
	}
	suffix := fmt.Sprintf("-catalog-%x", hash)
	prefix := strings.Trim(pkg, "-.")
	if limit := validation.DNS1123LabelMaxLength - len(suffix); len(prefix) > limit {
		prefix = strings.TrimRight(prefix[:limit], "-.")
	}
	return prefix + suffix, nil
}

func newCatalogSource(name, namespace, image, displayName, publisher string) *operatorsv1alpha1.CatalogSource {
	if displayName == "" {
		displayName = name
	}
	return &operatorsv1alpha1.CatalogSource{
		TypeMeta: metav1.TypeMeta{
			APIVersion: operatorsv1alpha1.SchemeGroupVersion.String(),
			Kind:       operatorsv1alpha1.CatalogSourceKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
		Spec: operatorsv1alpha1.CatalogSourceSpec{
			SourceType:  operatorsv1alpha1.SourceTypeGrpc,
			Image:       image,
			DisplayName: displayName,
			Publisher:   publisher,
		},
	}
}
