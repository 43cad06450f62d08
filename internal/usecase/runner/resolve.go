package runner

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"runstream/internal/domain"
)

// defaultLookupPaths returns the install locations searched before falling
// back to a PATH lookup. Missing directories are skipped at resolution time.
func defaultLookupPaths() []string {
	paths := []string{
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "bin"))
	}
	return paths
}

// resolve locates the executable for program. Names containing a path
// separator are checked directly; bare names are searched in lookupPaths
// first, then via PATH.
func resolve(program string, lookupPaths []string) (string, error) {
	if strings.ContainsRune(program, '/') || strings.ContainsRune(program, os.PathSeparator) {
		if isExecutable(program) {
			return program, nil
		}
		return "", domain.NewSubSystemError("runner", "Runner.Start", domain.ErrExecutableNotFound, program)
	}

	for _, dir := range lookupPaths {
		candidate := filepath.Join(dir, program)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(program); err == nil {
		return path, nil
	}
	return "", domain.NewSubSystemError("runner", "Runner.Start", domain.ErrExecutableNotFound, program)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
