package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/The-Promised-Neverland/storage-agent/pkg/utils"
)

type LinuxPolicy struct {
	unit serviceUnit
}

func (p *LinuxPolicy) ConfigureAutoStart() error {
	unitPath := filepath.Join("/etc/systemd/system", p.unit.name+".service")
	if err := os.WriteFile(unitPath, []byte(p.unitContent()), 0644); err != nil {
		return err
	}
	_, _ = utils.RunCommand("systemctl", "daemon-reload")
	if _, err := utils.RunCommand("systemctl", "enable", p.unit.name); err != nil {
		return err
	}
	logger.Log.Info("systemd unit installed", "path", unitPath, "roots", len(p.unit.roots))
	return nil
}

func (p *LinuxPolicy) ConfigureRestartPolicy() error {
	logger.Log.Info("systemd restart policy enforced via unit")
	return nil
}

// unitContent orders the agent after the mounts holding its roots and
// confines writes to the roots and the log directory.
func (p *LinuxPolicy) unitContent() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\nDescription=%s\n", p.unit.description)
	b.WriteString("After=network-online.target local-fs.target\nWants=network-online.target\n")
	if len(p.unit.roots) > 0 {
		fmt.Fprintf(&b, "RequiresMountsFor=%s\n", systemdPaths(p.unit.roots))
	}

	b.WriteString("\n[Service]\nType=simple\n")
	fmt.Fprintf(&b, "WorkingDirectory=%s\n", p.unit.workDir)
	fmt.Fprintf(&b, "ExecStart=%s run\n", p.unit.binaryPath)
	for _, kv := range p.unit.env {
		fmt.Fprintf(&b, "Environment=%q\n", kv)
	}
	b.WriteString("Restart=always\nRestartSec=5\nKillSignal=SIGTERM\nTimeoutStopSec=30\n")
	b.WriteString("LimitNOFILE=65536\nNoNewPrivileges=true\nProtectSystem=strict\n")
	fmt.Fprintf(&b, "ReadWritePaths=%s\n", systemdPaths(p.unit.writablePaths()))

	b.WriteString("\n[Install]\nWantedBy=multi-user.target\n")
	return b.String()
}

// systemdPaths joins paths for a space-separated directive, quoting any
// path that contains a space.
func systemdPaths(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		if strings.ContainsAny(p, " \t") {
			p = `"` + p + `"`
		}
		quoted[i] = p
	}
	return strings.Join(quoted, " ")
}
