// Package sockpath names the sockets a group and its instances listen on.
package sockpath

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

const runtimeDirEnv = "XDG_RUNTIME_DIR"

// TempDir returns $XDG_RUNTIME_DIR when set, else the OS temp directory.
func TempDir() string {
	if dir := strings.TrimSpace(os.Getenv(runtimeDirEnv)); dir != "" {
		return dir
	}
	return os.TempDir()
}

// Group returns the socket path for a named group. Groups with the same name
// but a different host prefix or architecture get distinct sockets.
func Group(groupName, prefix, arch string) string {
	name := fmt.Sprintf("yabridge-group-%s-%s-%s.sock", sanitize(groupName), PrefixHash(prefix), sanitize(arch))
	return filepath.Join(TempDir(), name)
}

// PrefixHash is a stable numeric hash of a cleaned prefix path.
func PrefixHash(prefix string) string {
	cleaned := strings.TrimSpace(prefix)
	if cleaned != "" {
		cleaned = filepath.Clean(cleaned)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(cleaned))
	return fmt.Sprintf("%d", h.Sum64())
}

func sanitize(part string) string {
	part = strings.TrimSpace(part)
	if part == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '_'
		}
		return r
	}, part)
}
