package prereq

import (
	"context"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	PullSecretName      = "testdeps-pull-secret"
	ImagePullerBinding  = "testdeps-image-pullers"
	imagePullerRoleName = "system:image-puller"
)

func (c *Coordinator) bootstrap(ctx context.Context) error {
	created, err := c.store.Ensure(ctx, map[string]string{
		c.installingKey(): "false",
		c.readyKey():      "false",
	})
	if err != nil {
		return errors.Wrapf(err, "ensuring namespace %s", c.opts.Namespace)
	}
	if created {
		c.logger.Info("created shared namespace")
	}

	if len(c.opts.PullSecret) == 0 {
		return nil
	}
	if err := c.ensurePullSecret(ctx); err != nil {
		return err
	}
	return c.ensureImagePullerBinding(ctx)
}

func (c *Coordinator) ensurePullSecret(ctx context.Context) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PullSecretName,
			Namespace: c.opts.Namespace,
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{
			corev1.DockerConfigJsonKey: c.opts.PullSecret,
		},
	}
	secrets := c.client.CoreV1().Secrets(c.opts.Namespace)
	_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return errors.Wrap(err, "configuring pull secret")
	}
	c.logger.WithField("secret", PullSecretName).Debug("configured pull secret")
	return nil
}

// ensureImagePullerBinding lets every service account of the shared namespace
// pull images.
func (c *Coordinator) ensureImagePullerBinding(ctx context.Context) error {
	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ImagePullerBinding,
			Namespace: c.opts.Namespace,
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     imagePullerRoleName,
		},
		Subjects: []rbacv1.Subject{{
			APIGroup: rbacv1.GroupName,
			Kind:     rbacv1.GroupKind,
			Name:     "system:serviceaccounts:" + c.opts.Namespace,
		}},
	}
	_, err := c.client.RbacV1().RoleBindings(c.opts.Namespace).Create(ctx, binding, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return errors.Wrap(err, "binding image puller role")
	}
	return nil
}
