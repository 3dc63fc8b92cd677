// Package manifest loads and saves single-object YAML manifests.
package manifest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
)

const (
	// MaxManifestBytes caps reads from streams and URLs.
	MaxManifestBytes = 4 << 20

	decoderBufferSize = 4096
)

// Decode reads one YAML or JSON document from r into obj.
func Decode(r io.Reader, obj interface{}) error {
	dec := utilyaml.NewYAMLOrJSONDecoder(bufio.NewReader(io.LimitReader(r, MaxManifestBytes)), decoderBufferSize)
	if err := dec.Decode(obj); err != nil {
		if err == io.EOF {
			return errors.New("manifest is empty")
		}
		return errors.Wrap(err, "decoding manifest")
	}
	return nil
}

// Load decodes the manifest at path into obj.
func Load(path string, obj interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening manifest %s", path)
	}
	defer f.Close()

	if err := Decode(f, obj); err != nil {
		return errors.Wrapf(err, "loading %s", path)
	}
	return nil
}

// LoadURL fetches the manifest at url with client (http.DefaultClient if nil) and
// decodes it into obj.
func LoadURL(ctx context.Context, client *http.Client, url string, obj interface{}) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	if err := Decode(resp.Body, obj); err != nil {
		return errors.Wrapf(err, "loading %s", url)
	}
	return nil
}

// Encode writes obj to w as YAML.
func Encode(w io.Writer, obj interface{}) error {
	b, err := yaml.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	_, err = w.Write(b)
	return err
}

// Save writes obj as YAML to path, replacing any existing file.
func Save(path string, obj interface{}) error {
	b, err := yaml.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

type tempFile interface {
	io.WriteCloser
	Name() string
}

var createTemp = func(dir, pattern string) (tempFile, error) {
	return os.CreateTemp(dir, pattern)
}

// SaveTemp writes obj to a new file in dir (os.TempDir if empty) and returns its
// path. The caller removes the file. The file is removed again if it could not
// be written completely.
func SaveTemp(dir, pattern string, obj interface{}) (string, error) {
	b, err := yaml.Marshal(obj)
	if err != nil {
		return "", errors.Wrap(err, "encoding manifest")
	}
	f, err := createTemp(dir, pattern)
	if err != nil {
		return "", errors.Wrap(err, "creating manifest file")
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrapf(err, "writing %s", f.Name())
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrapf(err, "closing %s", f.Name())
	}
	return f.Name(), nil
}
