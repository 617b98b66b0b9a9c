package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/The-Promised-Neverland/storage-agent/pkg/policy"
	kardianos "github.com/kardianos/service"
)

// stopTimeout bounds how long Stop waits for the application to wind down.
const stopTimeout = 10 * time.Second

type DaemonManager struct {
	cfg       *config.Config
	app       *Application
	appCtx    context.Context
	appCancel context.CancelFunc
	done      chan struct{}
}

func NewDaemonManager(cfg *config.Config, app *Application) *DaemonManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DaemonManager{
		cfg:       cfg,
		app:       app,
		appCtx:    ctx,
		appCancel: cancel,
		done:      make(chan struct{}),
	}
}

func (m *DaemonManager) newService() (kardianos.Service, error) {
	if m.app == nil {
		return nil, fmt.Errorf("application cannot be nil")
	}
	return kardianos.New(m, &kardianos.Config{
		Name:        m.cfg.ServiceName(),
		DisplayName: m.cfg.ServiceDisplayName(),
		Description: m.cfg.ServiceDescription(),
		Arguments:   []string{"run"},
	})
}

func (m *DaemonManager) runApp(ctx context.Context) {
	defer close(m.done)
	m.app.Run(ctx, m)
}

func (m *DaemonManager) Start(s kardianos.Service) error {
	logger.Log.Info("Kardianos starting service", "service", s.String(), "platform", s.Platform())
	go m.runApp(m.appCtx)
	return nil
}

func (m *DaemonManager) Stop(s kardianos.Service) error {
	logger.Log.Info("Kardianos stopping service", "service", s.String())
	m.appCancel()
	select {
	case <-m.done:
	case <-time.After(stopTimeout):
		logger.Log.Warn("Application did not stop in time")
	}
	return nil
}

func (m *DaemonManager) InstallDaemon() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	if err := s.Install(); err != nil {
		if runtime.GOOS == "windows" {
			return fmt.Errorf("failed to install Windows service (requires administrator privileges): %w\nPlease run PowerShell or Command Prompt as Administrator", err)
		}
		return fmt.Errorf("failed to install service: %w", err)
	}
	p, err := policy.NewServicePolicy(m.cfg)
	if err != nil {
		return err
	}
	if err := p.ConfigureAutoStart(); err != nil {
		return fmt.Errorf("failed to configure auto-start: %w", err)
	}
	if err := p.ConfigureRestartPolicy(); err != nil {
		return fmt.Errorf("failed to configure restart policy: %w", err)
	}
	return nil
}

func (m *DaemonManager) UninstallDaemon() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		logger.Log.Warn("Service was not running", "err", err)
	}
	return s.Uninstall()
}

func (m *DaemonManager) RestartDaemon() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	return s.Restart()
}

// StartDaemon runs the agent in the foreground. Under a service manager
// kardianos drives Start and Stop; interactively the process stops on
// SIGINT or SIGTERM.
func (m *DaemonManager) StartDaemon() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	if !kardianos.Interactive() {
		return s.Run()
	}
	ctx, stop := signal.NotifyContext(m.appCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	m.runApp(ctx)
	return nil
}

// StartService asks the service manager to start the installed service.
func (m *DaemonManager) StartService() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	return s.Start()
}

func (m *DaemonManager) StopDaemon() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	return s.Stop()
}

// ShutdownDaemon stops the agent on the coordinator's request.
func (m *DaemonManager) ShutdownDaemon() error {
	logger.Log.Info("Shutting down agent")
	if kardianos.Interactive() {
		m.appCancel()
		return nil
	}
	return m.StopDaemon()
}

// prepareRoots creates missing roots and checks that each is writable.
func prepareRoots(roots []string) error {
	for _, root := range roots {
		if info, err := os.Stat(root); err == nil {
			if !info.IsDir() {
				return fmt.Errorf("root exists but is not a directory: %s", root)
			}
		} else if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("failed to create root %s: %w", root, err)
		} else {
			logger.Log.Info("Created root", "path", root)
		}
		testFile := filepath.Join(root, ".write-test")
		if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
			return fmt.Errorf("root is not writable: %w", err)
		}
		_ = os.Remove(testFile)
	}
	return nil
}
