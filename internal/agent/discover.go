package agent

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultBinary is the agent binary name looked up when no override is set.
const DefaultBinary = "opencode"

// probeDirs are checked in order before falling back to PATH lookup. The
// list covers the common install locations of the agent CLI.
var probeDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// DiscoverBinary resolves the agent binary path. An explicit override wins;
// otherwise well-known install directories are probed, then PATH. The bare
// name is returned as a last resort so the spawn error names the binary.
func DiscoverBinary(override string) string {
	if override != "" {
		return override
	}

	dirs := probeDirs
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, ".opencode", "bin"),
			filepath.Join(home, ".local", "bin"),
		)
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, DefaultBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}

	if path, err := exec.LookPath(DefaultBinary); err == nil {
		return path
	}
	return DefaultBinary
}
