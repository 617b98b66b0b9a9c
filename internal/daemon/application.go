package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	agentworker "github.com/The-Promised-Neverland/storage-agent/internal/agent_worker"
	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/handlers"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/internal/remerge"
	"github.com/The-Promised-Neverland/storage-agent/internal/service"
	"github.com/The-Promised-Neverland/storage-agent/internal/stun"
	"github.com/The-Promised-Neverland/storage-agent/internal/tlsconf"
	"github.com/The-Promised-Neverland/storage-agent/internal/transfer"
	"github.com/The-Promised-Neverland/storage-agent/internal/watcher"
	"github.com/The-Promised-Neverland/storage-agent/internal/ws"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

const (
	reconnectDelay    = 5 * time.Second
	stunQueryInterval = 5 * time.Minute
)

type Application struct {
	config  *config.Config
	state   *handlers.AgentState
	watcher *watcher.Watcher

	mu     sync.Mutex
	agent  *ws.Agent
	worker *agentworker.AgentWorker
}

func newApplication(cfg *config.Config, state *handlers.AgentState) *Application {
	return &Application{
		config: cfg,
		state:  state,
	}
}

// NewAgentState builds the state shared by every coordinator session.
func NewAgentState(cfg *config.Config) (*handlers.AgentState, error) {
	if err := prepareRoots(cfg.Roots()); err != nil {
		return nil, err
	}
	roots, err := filesys.NewRoots(cfg.Roots())
	if err != nil {
		return nil, fmt.Errorf("failed to open roots: %w", err)
	}
	if len(roots.Paths()) == 0 {
		logger.Log.Warn("No local roots configured; file verbs will find nothing")
	}
	tlsCtx, err := tlsconf.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS context: %w", err)
	}
	return &handlers.AgentState{
		Transfers: transfer.NewRegistry(),
		Roots:     roots,
		Queue:     filesys.NewQueue(roots),
		Remerge:   remerge.NewState(),
		TLS:       tlsCtx,
		Stun:      stun.NewClient(cfg.StunServerAddr()),
		Service:   service.NewService(roots),
	}, nil
}

func NewApplicationWithManager(cfg *config.Config) (*Application, *DaemonManager, error) {
	state, err := NewAgentState(cfg)
	if err != nil {
		return nil, nil, err
	}
	app := newApplication(cfg, state)
	manager := NewDaemonManager(cfg, app)
	if cfg.WatchRoots() && len(state.Roots.Paths()) > 0 {
		w, err := watcher.NewWatcher(state.Roots.Paths(), watcher.DefaultFilterConfig(), manager.appCtx)
		if err != nil {
			logger.Log.Warn("Failed to create watcher", "err", err)
		} else {
			app.watcher = w
		}
	}
	return app, manager, nil
}

func (app *Application) Run(appCtx context.Context, daemonManager *DaemonManager) {
	go app.state.Queue.Run(appCtx, app.config.QueueRetryInterval())
	go app.state.Stun.StartPeriodicQuery(appCtx, stunQueryInterval)
	if app.watcher != nil {
		if err := app.watcher.Start(); err != nil {
			logger.Log.Warn("Failed to start watcher", "err", err)
			app.watcher = nil
		} else {
			go app.handleFileEvents(appCtx, app.watcher)
			go app.handleWatcherErrors(appCtx, app.watcher)
		}
	}
	app.superviseConnection(appCtx, daemonManager)
	app.Shutdown()
}

// Shutdown aborts in-flight transfers and closes the session.
func (app *Application) Shutdown() {
	app.state.Transfers.AbortAll("agent shutting down")
	if app.watcher != nil {
		app.watcher.Stop()
	}
	app.cleanupAgent()
}

func (app *Application) cleanupAgent() {
	app.mu.Lock()
	agent, worker := app.agent, app.worker
	app.agent, app.worker = nil, nil
	app.mu.Unlock()
	if agent == nil {
		return
	}
	if err := worker.SendConnSeverNotice(); err != nil {
		logger.Log.Debug("Sever notice not delivered", "err", err)
	}
	if err := agent.Close(); err != nil {
		logger.Log.Error("Error closing agent connection", "err", err)
	}
}

func (app *Application) superviseConnection(appCtx context.Context, daemonManager *DaemonManager) {
	for {
		select {
		case <-appCtx.Done():
			return
		default:
		}
		app.cleanupAgent()
		agent := ws.NewAgent(app.config, appCtx)
		central := protocol.NewCentral()
		worker := agentworker.NewAgentWorker(agent, app.state.Service, app.state.Transfers, app.config)
		handlers.NewHandler(agent, central, app.state, app.config, daemonManager).RegisterHandlers()
		if err := agent.Connect(); err != nil {
			logger.Log.Error("Failed to connect to master", "err", err)
			select {
			case <-appCtx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		app.mu.Lock()
		app.agent, app.worker = agent, worker
		app.mu.Unlock()

		agent.RunPumps()
		go central.Run(agent.Context())
		go app.heartbeatLoop(agent.Context(), worker)
		select {
		case <-agent.AgentDisconnected():
			logger.Log.Warn("Disconnected from master, reconnecting")
		case <-appCtx.Done():
			return
		}
	}
}

func (app *Application) heartbeatLoop(sessionCtx context.Context, worker *agentworker.AgentWorker) {
	ticker := time.NewTicker(app.config.HeartbeatTimer())
	defer ticker.Stop()
	for {
		select {
		case <-sessionCtx.Done():
			logger.Log.Info("Stopping heartbeat goroutine")
			return
		case <-ticker.C:
			if err := worker.SendHeartbeat(sessionCtx); err != nil {
				logger.Log.Error("Failed to send heartbeat", "err", err)
			}
		}
	}
}

// handleFileEvents nudges the deferred-operation queue when a queued path changes.
func (app *Application) handleFileEvents(appCtx context.Context, w *watcher.Watcher) {
	for {
		select {
		case <-appCtx.Done():
			return
		case event, ok := <-w.Events():
			if !ok {
				return
			}
			app.processFileEvent(event)
		}
	}
}

func (app *Application) handleWatcherErrors(appCtx context.Context, w *watcher.Watcher) {
	for {
		select {
		case <-appCtx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Log.Error("File watcher error", "err", err)
		}
	}
}

func (app *Application) processFileEvent(event watcher.FileEvent) {
	virtual, ok := app.state.Roots.Virtual(event.Path)
	if !ok {
		return
	}
	logger.Log.Debug("File event detected", "type", event.Type, "path", virtual)
	app.state.Queue.Nudge(virtual)
}
