package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// Handshake answers the coordinator's extension requirements. A failed
// handshake leaves the session unable to run commands.
func (h *Handlers) Handshake(ctx context.Context, payload json.RawMessage) error {
	var req models.HandshakeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode handshake: %w", err)
		}
	}
	reply := models.HandshakeReply{
		AgentID:       h.Config.AgentID(),
		AgentName:     h.Config.AgentName(),
		SessionID:     h.sessionID,
		Extensions:    h.Central.Extensions(),
		SSL:           h.State.TLS.Enabled(),
		MaxPathLength: h.Config.MaxPathLength(),
	}
	if err := h.Central.Handshake(req.Extensions); err != nil {
		logger.Log.Error("Handshake rejected", "required", req.Extensions, "err", err)
		reply.Error = protocol.ErrorInfo(err)
	} else {
		logger.Log.Info("Handshake accepted", "session", h.sessionID, "extensions", reply.Extensions)
	}
	return h.Session.Send(ctx, models.Message{Type: models.AgentMsgHandshake, Payload: reply})
}

// Command decodes one coordinator command and dispatches it.
func (h *Handlers) Command(ctx context.Context, payload json.RawMessage) error {
	var cmd models.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	logger.Log.Debug("Command received", "name", cmd.Name, "index", cmd.Index, "args", cmd.Args)
	h.Central.Dispatch(ctx, &cmd, h.Session.Respond)
	return nil
}
