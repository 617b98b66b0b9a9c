package policy

import (
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/The-Promised-Neverland/storage-agent/pkg/utils"
)

type WindowsPolicy struct {
	unit serviceUnit
}

// ConfigureAutoStart delays start until the disks holding the roots are up,
// and stores the agent's environment on the service key.
func (p *WindowsPolicy) ConfigureAutoStart() error {
	if _, err := utils.RunCommand("sc", "config", p.unit.name, "start=", "delayed-auto"); err != nil {
		logger.Log.Warn("⚠️ Failed to configure Windows auto-start", "err", err)
		return err
	}
	if len(p.unit.env) > 0 {
		if _, err := utils.RunCommand("reg", p.environmentArgs()...); err != nil {
			logger.Log.Warn("⚠️ Failed to store service environment", "err", err)
			return err
		}
	}
	logger.Log.Info("✅ Windows delayed auto-start configured", "roots", len(p.unit.roots))
	return nil
}

func (p *WindowsPolicy) ConfigureRestartPolicy() error {
	_, err := utils.RunCommand(
		"sc", "failure", p.unit.name,
		"actions=restart/5000/restart/5000/restart/5000",
		"reset=86400",
	)
	if err != nil {
		logger.Log.Warn("⚠️ Failed to configure Windows restart policy", "err", err)
		return err
	}
	// Also restart after a non-crash exit with an error status.
	if _, err := utils.RunCommand("sc", "failureflag", p.unit.name, "1"); err != nil {
		logger.Log.Warn("⚠️ Failed to set failure flag", "err", err)
	}
	logger.Log.Info("🔁 Windows restart policy configured")
	return nil
}

// environmentArgs writes the REG_MULTI_SZ Environment value the service
// control manager passes to the process.
func (p *WindowsPolicy) environmentArgs() []string {
	return []string{
		"add", `HKLM\SYSTEM\CurrentControlSet\Services\` + p.unit.name,
		"/v", "Environment", "/t", "REG_MULTI_SZ",
		"/d", strings.Join(p.unit.env, `\0`), "/f",
	}
}
