package policy

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
)

type ServicePolicy interface {
	ConfigureAutoStart() error
	ConfigureRestartPolicy() error
}

func NewServicePolicy(cfg *config.Config) (ServicePolicy, error) {
	unit := newServiceUnit(cfg)
	switch runtime.GOOS {
	case "windows":
		return &WindowsPolicy{unit: unit}, nil
	case "linux":
		return &LinuxPolicy{unit: unit}, nil
	case "darwin":
		return &DarwinPolicy{unit: unit}, nil
	default:
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// serviceUnit is what each platform needs to start the agent against the
// same roots and configuration it was installed with.
type serviceUnit struct {
	name        string
	description string
	binaryPath  string
	workDir     string
	roots       []string
	logDir      string
	env         []string
}

func newServiceUnit(cfg *config.Config) serviceUnit {
	logFile := cfg.LogFile()
	if abs, err := filepath.Abs(logFile); err == nil {
		logFile = abs
	}
	return serviceUnit{
		name:        cfg.ServiceName(),
		description: cfg.ServiceDescription(),
		binaryPath:  cfg.BinaryPath(),
		workDir:     filepath.Dir(cfg.BinaryPath()),
		roots:       cfg.Roots(),
		logDir:      filepath.Dir(logFile),
		env:         cfg.ServiceEnvironment(),
	}
}

// writablePaths are the directories the agent writes to: roots and logs.
func (u serviceUnit) writablePaths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(append([]string{}, u.roots...), u.logDir) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func splitEnv(kv string) (string, string) {
	k, v, _ := strings.Cut(kv, "=")
	return k, v
}
