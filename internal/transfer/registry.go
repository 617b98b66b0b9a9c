package transfer

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Index correlates a coordinator request with an agent-side Transfer.
// Indexes are allocated monotonically per agent process.
type Index int64

func (i Index) String() string {
	return strconv.FormatInt(int64(i), 10)
}

func ParseIndex(s string) (Index, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return Index(v), nil
}

// Registry holds the in-flight transfers of one agent.
type Registry struct {
	mu        sync.RWMutex
	transfers map[Index]*Transfer
	next      atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{transfers: make(map[Index]*Transfer)}
}

// New allocates an index, binds conn to a fresh Transfer and registers it.
func (r *Registry) New(conn Connection, opts Options) *Transfer {
	t := newTransfer(Index(r.next.Add(1)), conn, opts, r)
	r.mu.Lock()
	r.transfers[t.index] = t
	r.mu.Unlock()
	return t
}

func (r *Registry) Get(index Index) (*Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[index]
	return t, ok
}

func (r *Registry) remove(index Index) {
	r.mu.Lock()
	delete(r.transfers, index)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transfers)
}

// ActiveUpload returns an unfinished upload whose path equals key ignoring case.
func (r *Registry) ActiveUpload(key string, exclude *Transfer) *Transfer {
	if key == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transfers {
		if t == exclude || t.Direction() != Upload || t.IsFinished() {
			continue
		}
		if strings.EqualFold(t.Key(), key) {
			return t
		}
	}
	return nil
}

// AbortAll aborts every registered transfer.
func (r *Registry) AbortAll(reason string) {
	r.mu.RLock()
	all := make([]*Transfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		all = append(all, t)
	}
	r.mu.RUnlock()
	for _, t := range all {
		t.Abort(reason)
	}
}
