package manifest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/stretchr/testify/require"
)

const subscriptionManifest = `apiVersion: operators.coreos.com/v1alpha1
kind: Subscription
metadata:
  name: amq-broker
  namespace: testdeps
spec:
  channel: 7.12.x
  name: amq-broker-rhel8
  source: redhat-operators
  sourceNamespace: openshift-marketplace
  installPlanApproval: Automatic
  config:
    env:
    - name: LOG_LEVEL
      value: debug
`

func TestLoadSaveFieldEquivalent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "subscription.yaml")
	require.NoError(t, writeString(src, subscriptionManifest))

	loaded := &operatorsv1alpha1.Subscription{}
	require.NoError(t, Load(src, loaded))
	require.Equal(t, "amq-broker", loaded.GetName())
	require.Equal(t, operatorsv1alpha1.ApprovalAutomatic, loaded.Spec.InstallPlanApproval)

	dst := filepath.Join(dir, "saved.yaml")
	require.NoError(t, Save(dst, loaded))

	reloaded := &operatorsv1alpha1.Subscription{}
	require.NoError(t, Load(dst, reloaded))
	if diff := cmp.Diff(loaded, reloaded); diff != "" {
		t.Fatalf("round trip changed the subscription (-loaded +reloaded):\n%s", diff)
	}
}

func TestDecodeJSON(t *testing.T) {
	sub := &operatorsv1alpha1.Subscription{}
	require.NoError(t, Decode(strings.NewReader(`{"kind":"Subscription","metadata":{"name":"rhsso"},"spec":{"name":"rhsso-operator"}}`), sub))
	require.Equal(t, "rhsso", sub.GetName())
	require.Equal(t, "rhsso-operator", sub.Spec.Package)
}

func TestDecodeEmpty(t *testing.T) {
	require.Error(t, Decode(strings.NewReader(""), &operatorsv1alpha1.Subscription{}))
}

func TestLoadMissingFile(t *testing.T) {
	require.Error(t, Load(filepath.Join(t.TempDir(), "absent.yaml"), &operatorsv1alpha1.Subscription{}))
}

func TestLoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscription.yaml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(subscriptionManifest))
	}))
	defer srv.Close()

	sub := &operatorsv1alpha1.Subscription{}
	require.NoError(t, LoadURL(context.Background(), srv.Client(), srv.URL+"/subscription.yaml", sub))
	require.Equal(t, "7.12.x", sub.Spec.Channel)

	err := LoadURL(context.Background(), srv.Client(), srv.URL+"/missing.yaml", &operatorsv1alpha1.Subscription{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]string{"kind": "Namespace"}))
	require.Equal(t, "kind: Namespace\n", buf.String())
}

func writeString(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

type closeFailure struct {
	*os.File
}

func (f closeFailure) Close() error {
	f.File.Close()
	return errors.New("no space left on device")
}

func TestSaveTemp(t *testing.T) {
	dir := t.TempDir()
	sub := &operatorsv1alpha1.Subscription{}
	sub.SetName("amq-broker")

	path, err := SaveTemp(dir, "subscription-*.yaml", sub)
	require.NoError(t, err)
	loaded := &operatorsv1alpha1.Subscription{}
	require.NoError(t, Load(path, loaded))
	require.Equal(t, "amq-broker", loaded.GetName())

	defer func(c func(string, string) (tempFile, error)) { createTemp = c }(createTemp)
	createTemp = func(dir, pattern string) (tempFile, error) {
		f, err := os.CreateTemp(dir, pattern)
		return closeFailure{f}, err
	}

	_, err = SaveTemp(dir, "broken-*.yaml", sub)
	require.ErrorContains(t, err, "no space left on device")
	leftovers, err := filepath.Glob(filepath.Join(dir, "broken-*.yaml"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}
