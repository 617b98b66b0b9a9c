package main

import (
	"fmt"
	"os"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/internal/daemon"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "storage-agent",
	Short: "Storage agent for a distributed file server",
	Long: `The storage agent keeps a control session with the coordinator and
serves the local roots: file transfers, deletes, renames, checksums and
remerge listings.`,
	Run: func(cmd *cobra.Command, args []string) {
		runCmd.Run(cmd, args)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	Long:  `Run the agent. Under a service manager this is the service entry point.`,
	Run: func(cmd *cobra.Command, args []string) {
		manager := newManager()
		if err := manager.StartDaemon(); err != nil {
			logger.Log.Error("❌ Agent failed", "err", err)
			os.Exit(1)
		}
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a system service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newManager().InstallDaemon(); err != nil {
			fail("Failed to install service", err)
		}
		color.Green("✅ Service installed")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the system service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newManager().UninstallDaemon(); err != nil {
			fail("Failed to uninstall service", err)
		}
		color.Green("✅ Service uninstalled")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the installed system service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newManager().StartService(); err != nil {
			fail("Failed to start service", err)
		}
		color.Green("✅ Service started")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the system service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newManager().StopDaemon(); err != nil {
			fail("Failed to stop service", err)
		}
		color.Green("✅ Service stopped")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the system service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newManager().RestartDaemon(); err != nil {
			fail("Failed to restart service", err)
		}
		color.Green("🔁 Service restarted")
	},
}

func newManager() *daemon.DaemonManager {
	cfg := config.New()
	logger.Init(cfg.LogFile(), cfg.LogLevel())
	_, manager, err := daemon.NewApplicationWithManager(cfg)
	if err != nil {
		fail("Failed to initialize agent", err)
	}
	return manager
}

func fail(msg string, err error) {
	fmt.Fprintln(os.Stderr, color.RedString("❌ %s: %v", msg, err))
	os.Exit(1)
}

func init() {
	rootCmd.AddCommand(runCmd, installCmd, uninstallCmd, startCmd, stopCmd, restartCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
