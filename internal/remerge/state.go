package remerge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// State is the agent-wide remerge control: a pause gate shared by every
// walk and a guard admitting one walk at a time.
type State struct {
	mu      sync.Mutex
	paused  atomic.Bool
	resume  chan struct{}
	running atomic.Bool
}

func NewState() *State {
	ch := make(chan struct{})
	close(ch)
	return &State{resume: ch}
}

func (s *State) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused.Load() {
		return
	}
	s.resume = make(chan struct{})
	s.paused.Store(true)
	logger.Log.Info("Remerge paused")
}

// Resume clears the flag and wakes every waiting walk.
func (s *State) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused.Load() {
		return
	}
	s.paused.Store(false)
	close(s.resume)
	logger.Log.Info("Remerge resumed")
}

func (s *State) Paused() bool {
	return s.paused.Load()
}

// TryStart claims the single remerge slot.
func (s *State) TryStart() bool {
	return s.running.CompareAndSwap(false, true)
}

func (s *State) Done() {
	s.running.Store(false)
}

func (s *State) Running() bool {
	return s.running.Load()
}

// WaitWhilePaused blocks until the gate opens or ctx ends, waking every
// poll interval to log that it is still held.
func (s *State) WaitWhilePaused(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		s.mu.Lock()
		paused, ch := s.paused.Load(), s.resume
		s.mu.Unlock()
		if !paused {
			return nil
		}
		timer := time.NewTimer(poll)
		select {
		case <-ch:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			logger.Log.Debug("Remerge waiting for resume")
		}
	}
}
