package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/internal/remerge"
	"github.com/The-Promised-Neverland/storage-agent/internal/service"
	"github.com/The-Promised-Neverland/storage-agent/internal/stun"
	"github.com/The-Promised-Neverland/storage-agent/internal/tlsconf"
	"github.com/The-Promised-Neverland/storage-agent/internal/transfer"
	"github.com/The-Promised-Neverland/storage-agent/internal/ws"
	"github.com/google/uuid"
)

const (
	ExtensionBasic   = "Basic"
	ExtensionRemerge = "Remerge"
)

// DaemonManagerService defines the interface for controlling the daemon lifecycle.
type DaemonManagerService interface {
	ShutdownDaemon() error
}

// Session is the coordinator connection the handlers answer on.
type Session interface {
	Context() context.Context
	RegisterHandler(msgType string, handler ws.MessageHandler)
	Send(ctx context.Context, msg models.Message) error
	Respond(ctx context.Context, resp *models.Response) error
}

// AgentState outlives any single coordinator session.
type AgentState struct {
	Transfers *transfer.Registry
	Roots     *filesys.Roots
	Queue     *filesys.Queue
	Remerge   *remerge.State
	TLS       *tlsconf.Context
	Stun      *stun.Client
	Service   *service.Service
}

type Handlers struct {
	Session              Session
	Central              *protocol.Central
	State                *AgentState
	Config               *config.Config
	DaemonManagerService DaemonManagerService
	sessionID            string
}

func NewHandler(
	session Session,
	central *protocol.Central,
	state *AgentState,
	cfg *config.Config,
	daemonManagerService DaemonManagerService,
) *Handlers {
	return &Handlers{
		Session:              session,
		Central:              central,
		State:                state,
		Config:               cfg,
		DaemonManagerService: daemonManagerService,
		sessionID:            uuid.NewString(),
	}
}

func (h *Handlers) RegisterHandlers() {
	h.Session.RegisterHandler(models.MasterMsgHandshake, func(ctx context.Context, payload json.RawMessage) error {
		return h.Handshake(ctx, payload)
	})
	h.Session.RegisterHandler(models.MasterMsgCommand, func(ctx context.Context, payload json.RawMessage) error {
		return h.Command(ctx, payload)
	})

	basic := map[string]protocol.Handler{
		"connect":    h.Connect,
		"listen":     h.Listen,
		"send":       h.SendFile,
		"receive":    h.ReceiveFile,
		"delete":     h.Delete,
		"rename":     h.Rename,
		"checksum":   h.Checksum,
		"abort":      h.Abort,
		"shutdown":   h.Shutdown,
		"ssl-check":  h.SSLCheck,
		"ping":       h.Ping,
		"maxpath":    h.MaxPath,
		"diskstatus": h.DiskStatus,
	}
	for name, fn := range basic {
		h.Central.Register(ExtensionBasic, name, fn)
	}

	if !h.extensionEnabled(ExtensionRemerge) {
		return
	}
	h.Central.Register(ExtensionRemerge, "remerge", h.Remerge, protocol.LongRunning(), protocol.Admit(h.admitRemerge))
	h.Central.Register(ExtensionRemerge, "remerge-pause", h.RemergePause)
	h.Central.Register(ExtensionRemerge, "remerge-resume", h.RemergeResume)
}

func (h *Handlers) extensionEnabled(name string) bool {
	for _, e := range h.Config.Extensions() {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}
