package handlers

import (
	"context"
	"errors"

	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/internal/remerge"
)

// admitRemerge claims the agent's single remerge slot on the dispatch loop.
// Remerge releases it.
func (h *Handlers) admitRemerge(cmd *models.Command) error {
	if !h.State.Remerge.TryStart() {
		return remerge.ErrAlreadyRunning
	}
	return nil
}

// Remerge: remerge(path, partial, ageCutoff, coordinatorTime, instantOnline).
// Times are epoch milliseconds on the coordinator's clock.
func (h *Handlers) Remerge(ctx context.Context, cmd *models.Command) (any, error) {
	defer h.State.Remerge.Done()
	a := argsOf(cmd, 1)
	p := a.str(0)
	opts := remerge.Options{
		Partial:         a.flag(1),
		AgeCutoff:       a.millis(2),
		CoordinatorTime: a.millis(3),
		InstantOnline:   a.flag(4),
		Owner:           h.Config.InodeOwner(),
		Group:           h.Config.InodeGroup(),
		PausePoll:       h.Config.RemergePausePoll(),
	}
	if a.err != nil {
		return nil, a.err
	}
	v, err := filesys.CleanVirtual(p)
	if err != nil {
		return nil, err
	}
	walker := remerge.NewWalker(h.State.Roots.Paths(), h.State.Remerge, opts)
	summary, err := walker.Run(ctx, v, cmd.Index, func(ctx context.Context, listing models.RemergeListing) error {
		return h.Session.Send(ctx, models.Message{Type: models.AgentMsgRemergeListing, Payload: listing})
	})
	if errors.Is(err, remerge.ErrOffline) {
		return nil, protocol.ErrNoResponse
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (h *Handlers) RemergePause(ctx context.Context, cmd *models.Command) (any, error) {
	h.State.Remerge.Pause()
	return nil, nil
}

func (h *Handlers) RemergeResume(ctx context.Context, cmd *models.Command) (any, error) {
	h.State.Remerge.Resume()
	return nil, nil
}
