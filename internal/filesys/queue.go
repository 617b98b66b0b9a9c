package filesys

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// QueuedOperation is a rename or delete the OS refused because the file was
// busy. An empty Destination means delete. Operations are keyed by Source,
// so a later operation on the same source replaces the queued one.
type QueuedOperation struct {
	Source      string
	Destination string
}

func (op QueuedOperation) IsDelete() bool {
	return op.Destination == ""
}

// Queue performs deletes and renames, deferring those that fail busy.
type Queue struct {
	roots *Roots
	apply func(QueuedOperation) error

	mu    sync.Mutex
	ops   map[string]QueuedOperation
	nudge chan struct{}
}

func NewQueue(roots *Roots) *Queue {
	q := &Queue{
		roots: roots,
		ops:   make(map[string]QueuedOperation),
		nudge: make(chan struct{}, 1),
	}
	q.apply = q.perform
	return q
}

func (q *Queue) perform(op QueuedOperation) error {
	if op.IsDelete() {
		return q.roots.Delete(op.Source)
	}
	dir, name := splitVirtual(op.Destination)
	return q.roots.Rename(op.Source, dir, name)
}

func splitVirtual(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/", p
	}
	dir := p[:i]
	if dir == "" {
		dir = "/"
	}
	return dir, p[i+1:]
}

// Delete removes virtual now or queues it when busy. deferred reports the latter.
func (q *Queue) Delete(virtual string) (deferred bool, err error) {
	v, err := CleanVirtual(virtual)
	if err != nil {
		return false, err
	}
	return q.submit(QueuedOperation{Source: v})
}

// Rename moves from to toDir/toName now or queues it when busy.
func (q *Queue) Rename(from, toDir, toName string) (deferred bool, err error) {
	src, err := CleanVirtual(from)
	if err != nil {
		return false, err
	}
	dir, err := CleanVirtual(toDir)
	if err != nil {
		return false, err
	}
	dst := dir + "/" + toName
	if dir == "/" {
		dst = "/" + toName
	}
	return q.submit(QueuedOperation{Source: src, Destination: dst})
}

func (q *Queue) submit(op QueuedOperation) (bool, error) {
	q.mu.Lock()
	_, superseded := q.ops[op.Source]
	delete(q.ops, op.Source)
	q.mu.Unlock()
	if superseded {
		logger.Log.Info("Queued operation superseded", "source", op.Source)
	}

	err := q.apply(op)
	if err == nil {
		return false, nil
	}
	if !IsBusy(err) {
		return false, err
	}
	q.mu.Lock()
	q.ops[op.Source] = op
	q.mu.Unlock()
	logger.Log.Info("Operation deferred, file busy", "source", op.Source, "destination", op.Destination, "err", err)
	return true, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns the queued operations ordered by source.
func (q *Queue) Pending() []QueuedOperation {
	q.mu.Lock()
	ops := make([]QueuedOperation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].Source < ops[j].Source })
	return ops
}

// Retry attempts every queued operation once. Busy ones stay queued;
// others are dropped, logging failures. It returns what remains queued.
func (q *Queue) Retry() int {
	for _, op := range q.Pending() {
		err := q.apply(op)
		if IsBusy(err) {
			continue
		}
		q.mu.Lock()
		if cur, ok := q.ops[op.Source]; ok && cur == op {
			delete(q.ops, op.Source)
		}
		q.mu.Unlock()
		switch {
		case err == nil:
			logger.Log.Info("Queued operation completed", "source", op.Source, "destination", op.Destination)
		case errors.Is(err, ErrNotFound):
			logger.Log.Info("Queued operation source vanished", "source", op.Source)
		default:
			logger.Log.Error("Queued operation failed", "source", op.Source, "destination", op.Destination, "err", err)
		}
	}
	return q.Len()
}

// Nudge requests an early retry when virtual is a queued source or lies under one.
func (q *Queue) Nudge(virtual string) {
	q.mu.Lock()
	hit := false
	for src := range q.ops {
		if virtual == src || strings.HasPrefix(virtual, src+"/") || strings.HasPrefix(src, virtual+"/") {
			hit = true
			break
		}
	}
	q.mu.Unlock()
	if !hit {
		return
	}
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}

// Run retries queued operations every interval and on nudges until ctx ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.nudge:
		}
		if q.Len() > 0 {
			q.Retry()
		}
	}
}
