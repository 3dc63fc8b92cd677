package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	Version, GitCommit = "v0.3.1", "1a2b3c4"
	t.Cleanup(func() { Version, GitCommit = "", "" })

	require.Equal(t, "testdeps version: v0.3.1\n       git commit: 1a2b3c4\n", String())
}
