package handlers

import (
	"context"
	"path"

	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// Delete: delete(path). A busy file is queued and reported as success.
func (h *Handlers) Delete(ctx context.Context, cmd *models.Command) (any, error) {
	a := argsOf(cmd, 1)
	p := a.str(0)
	if a.err != nil {
		return nil, a.err
	}
	deferred, err := h.State.Queue.Delete(p)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Deleted", "path", p, "deferred", deferred)
	return models.FileOperation{Path: p, Deferred: deferred}, nil
}

// Rename: rename(from, toDir, toName).
func (h *Handlers) Rename(ctx context.Context, cmd *models.Command) (any, error) {
	a := argsOf(cmd, 3)
	from, toDir, toName := a.str(0), a.str(1), a.str(2)
	if a.err != nil {
		return nil, a.err
	}
	deferred, err := h.State.Queue.Rename(from, toDir, toName)
	if err != nil {
		return nil, err
	}
	target := path.Join(toDir, toName)
	logger.Log.Info("Renamed", "from", from, "to", target, "deferred", deferred)
	return models.FileOperation{Path: from, Target: target, Deferred: deferred}, nil
}

// Checksum: checksum(path).
func (h *Handlers) Checksum(ctx context.Context, cmd *models.Command) (any, error) {
	a := argsOf(cmd, 1)
	p := a.str(0)
	if a.err != nil {
		return nil, a.err
	}
	local, ok := h.State.Roots.Lookup(p)
	if !ok {
		return nil, protocol.NotFound("%s not found", p)
	}
	sum, err := filesys.Checksum(local)
	if err != nil {
		return nil, err
	}
	return models.ChecksumResult{Path: p, Checksum: sum}, nil
}

func (h *Handlers) DiskStatus(ctx context.Context, cmd *models.Command) (any, error) {
	return h.State.Service.DiskStatus(), nil
}
