// Package nslabels reads and edits the label map of a single namespace.
//
// Label edits made through Set are last-writer-wins per key: concurrent writers
// touching different keys do not clobber each other, but nothing serializes
// writers touching the same key. SetIfUnchanged offers a resourceVersion-guarded
// alternative that fails with ErrConflict instead.
package nslabels

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

var (
	// ErrNamespaceNotFound is returned when the backing namespace does not exist.
	ErrNamespaceNotFound = fmt.Errorf("namespace not found")
	// ErrConflict is returned by SetIfUnchanged when the namespace changed between
	// the read and the write.
	ErrConflict = fmt.Errorf("namespace labels changed concurrently")
)

// Store is the label map of one namespace.
type Store interface {
	// Labels returns a copy of the current labels.
	Labels(ctx context.Context) (map[string]string, error)
	// Set applies changes; a nil value removes the key.
	Set(ctx context.Context, changes map[string]*string) error
	// SetIfUnchanged lets mutate edit the labels and writes them back only if
	// nobody else wrote the namespace in the meantime.
	SetIfUnchanged(ctx context.Context, mutate func(labels map[string]string) error) error
}

// NamespaceStore is a Store backed by the Kubernetes API.
type NamespaceStore struct {
	client    kubernetes.Interface
	namespace string
	logger    logrus.FieldLogger
}

var _ Store = &NamespaceStore{}

func New(client kubernetes.Interface, namespace string, logger logrus.FieldLogger) *NamespaceStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NamespaceStore{
		client:    client,
		namespace: namespace,
		logger:    logger.WithField("namespace", namespace),
	}
}

// Namespace returns the name of the backing namespace.
func (s *NamespaceStore) Namespace() string {
	return s.namespace
}

// Ensure creates the namespace with the given labels if it does not exist yet.
// It reports whether this call created it; an existing namespace is left as is.
func (s *NamespaceStore) Ensure(ctx context.Context, labels map[string]string) (bool, error) {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   s.namespace,
			Labels: labels,
		},
	}
	_, err := s.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating namespace %s: %w", s.namespace, err)
	}
	s.logger.Info("created namespace")
	return true, nil
}

func (s *NamespaceStore) get(ctx context.Context) (*corev1.Namespace, error) {
	ns, err := s.client.CoreV1().Namespaces().Get(ctx, s.namespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, s.namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("getting namespace %s: %w", s.namespace, err)
	}
	return ns, nil
}

func (s *NamespaceStore) Labels(ctx context.Context) (map[string]string, error) {
	ns, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(ns.GetLabels()))
	for k, v := range ns.GetLabels() {
		labels[k] = v
	}
	return labels, nil
}

func (s *NamespaceStore) Set(ctx context.Context, changes map[string]*string) error {
	ns, err := s.get(ctx)
	if err != nil {
		return err
	}

	original := ns.GetLabels()
	modified := make(map[string]string, len(original)+len(changes))
	for k, v := range original {
		modified[k] = v
	}
	for k, v := range changes {
		if v == nil {
			delete(modified, k)
			continue
		}
		modified[k] = *v
	}

	patch, err := labelPatch(original, modified)
	if err != nil {
		return err
	}
	if string(patch) == "{}" {
		return nil
	}

	s.logger.WithField("patch", string(patch)).Debug("patching namespace labels")
	_, err = s.client.CoreV1().Namespaces().Patch(ctx, s.namespace, types.MergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, s.namespace)
	}
	if err != nil {
		return fmt.Errorf("patching labels of namespace %s: %w", s.namespace, err)
	}
	return nil
}

func (s *NamespaceStore) SetIfUnchanged(ctx context.Context, mutate func(labels map[string]string) error) error {
	ns, err := s.get(ctx)
	if err != nil {
		return err
	}

	labels := make(map[string]string, len(ns.GetLabels()))
	for k, v := range ns.GetLabels() {
		labels[k] = v
	}
	if err := mutate(labels); err != nil {
		return err
	}

	updated := ns.DeepCopy()
	updated.SetLabels(labels)
	_, err = s.client.CoreV1().Namespaces().Update(ctx, updated, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return fmt.Errorf("%w: %s", ErrConflict, s.namespace)
	}
	if err != nil {
		return fmt.Errorf("updating labels of namespace %s: %w", s.namespace, err)
	}
	return nil
}

// labelPatch returns the JSON merge patch turning original labels into modified
// ones. Keys absent from modified are set to null.
func labelPatch(original, modified map[string]string) ([]byte, error) {
	originalJSON, err := json.Marshal(labelDocument(original))
	if err != nil {
		return nil, err
	}
	modifiedJSON, err := json.Marshal(labelDocument(modified))
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(originalJSON, modifiedJSON)
	if err != nil {
		return nil, fmt.Errorf("creating label patch: %w", err)
	}
	return patch, nil
}

func labelDocument(labels map[string]string) map[string]interface{} {
	if labels == nil {
		labels = map[string]string{}
	}
	return map[string]interface{}{
		"metadata": map[string]interface{}{
			"labels": labels,
		},
	}
}
