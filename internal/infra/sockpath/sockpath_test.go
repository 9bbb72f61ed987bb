package sockpath

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempDirPrefersRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000", TempDir())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, os.TempDir(), TempDir())
}

func TestGroupPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	path := Group("synths", "/home/user/.wine", "x64")
	assert.Equal(t, "/run/user/1000", filepath.Dir(path))

	base := filepath.Base(path)
	require.True(t, strings.HasPrefix(base, "yabridge-group-synths-"), base)
	assert.True(t, strings.HasSuffix(base, "-x64.sock"), base)
}

func TestGroupPathDistinguishesPrefixAndArch(t *testing.T) {
	a := Group("synths", "/home/user/.wine", "x64")
	b := Group("synths", "/home/user/.wine-other", "x64")
	c := Group("synths", "/home/user/.wine", "x32")

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, Group("synths", "/home/user/.wine/", "x64"))
}

func TestGroupPathSanitizesName(t *testing.T) {
	path := Group("a/b", "/prefix", "")
	base := filepath.Base(path)
	assert.NotContains(t, base, "/")
	assert.True(t, strings.HasPrefix(base, "yabridge-group-a_b-"), base)
	assert.True(t, strings.HasSuffix(base, "-default.sock"), base)
}

func TestPrefixHashStable(t *testing.T) {
	assert.Equal(t, PrefixHash("/home/user/.wine"), PrefixHash("/home/user/.wine"))
	assert.NotEmpty(t, PrefixHash(""))
}
