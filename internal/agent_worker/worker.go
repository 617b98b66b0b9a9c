package agentworker

import (
	"context"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// Sender is the session the worker reports on.
type Sender interface {
	Send(ctx context.Context, msg models.Message) error
}

type ServiceProvider interface {
	GetHostMetrics() *models.HostMetrics
	DiskStatus() models.DiskStatus
}

// TransferCounter reports how many transfers are in flight.
type TransferCounter interface {
	Len() int
}

type AgentWorker struct {
	Agent     Sender
	Service   ServiceProvider
	Transfers TransferCounter
	Cfg       *config.Config
}

func NewAgentWorker(agent Sender, provider ServiceProvider, transfers TransferCounter, cfg *config.Config) *AgentWorker {
	return &AgentWorker{
		Agent:     agent,
		Service:   provider,
		Transfers: transfers,
		Cfg:       cfg,
	}
}

func (w *AgentWorker) SendHeartbeat(ctx context.Context) error {
	metrics := w.Service.GetHostMetrics()
	payload := models.Metrics{
		AgentID:    w.Cfg.AgentID(),
		AgentName:  w.Cfg.AgentName(),
		SysMetrics: *metrics,
		Disk:       w.Service.DiskStatus(),
		Transfers:  w.Transfers.Len(),
		Timestamp:  time.Now().Unix(),
	}
	logger.Log.Debug("Sending Heartbeat", "cpu", metrics.CPUUsage, "transfers", payload.Transfers)
	return w.Agent.Send(ctx, models.Message{Type: models.AgentMsgHeartbeat, Payload: payload})
}

// SendConnSeverNotice tells the coordinator the agent is leaving. It gives
// up after a few seconds since the connection may already be gone.
func (w *AgentWorker) SendConnSeverNotice() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg := models.Message{
		Type: models.AgentConnBreakNotice,
		Payload: models.ConnBreak{
			AgentID:   w.Cfg.AgentID(),
			Timestamp: time.Now().Unix(),
		},
	}
	return w.Agent.Send(ctx, msg)
}
