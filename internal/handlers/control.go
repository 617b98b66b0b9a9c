package handlers

import (
	"context"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// shutdownDelay lets the acknowledgement reach the coordinator first.
const shutdownDelay = 500 * time.Millisecond

func (h *Handlers) Shutdown(ctx context.Context, cmd *models.Command) (any, error) {
	logger.Log.Info("Master Triggered Shutdown")
	time.AfterFunc(shutdownDelay, func() {
		if err := h.DaemonManagerService.ShutdownDaemon(); err != nil {
			logger.Log.Error("Shutdown failed", "err", err)
		}
	})
	return nil, nil
}

func (h *Handlers) SSLCheck(ctx context.Context, cmd *models.Command) (any, error) {
	return models.SSLCheck{Enabled: h.State.TLS.Enabled()}, nil
}

func (h *Handlers) Ping(ctx context.Context, cmd *models.Command) (any, error) {
	return nil, nil
}

func (h *Handlers) MaxPath(ctx context.Context, cmd *models.Command) (any, error) {
	return models.MaxPath{Length: h.Config.MaxPathLength()}, nil
}
