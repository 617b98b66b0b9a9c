package protocol

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// Handler executes one command. The returned value becomes the response payload.
type Handler func(ctx context.Context, cmd *models.Command) (any, error)

// ResponseFunc delivers a response on the session the command came from.
type ResponseFunc func(ctx context.Context, resp *models.Response) error

type verb struct {
	extension   string
	handler     Handler
	longRunning bool
	admit       func(cmd *models.Command) error
}

type RegisterOption func(*verb)

// LongRunning moves a verb off the dispatch loop onto the background worker.
func LongRunning() RegisterOption {
	return func(v *verb) { v.longRunning = true }
}

// Admit runs check on the dispatch loop before a long-running verb is
// queued. A non-nil error is answered immediately.
func Admit(check func(cmd *models.Command) error) RegisterOption {
	return func(v *verb) { v.admit = check }
}

type job struct {
	ctx     context.Context
	cmd     *models.Command
	respond ResponseFunc
}

// Central maps verb names to handlers and turns every outcome into exactly
// one response.
type Central struct {
	mu         sync.RWMutex
	verbs      map[string]verb
	extensions []string
	handshaken atomic.Bool
	background chan job
}

func NewCentral() *Central {
	return &Central{
		verbs:      make(map[string]verb),
		background: make(chan job, 32),
	}
}

// Register binds name to h under extension. Registering a name twice replaces it.
func (c *Central) Register(extension, name string, h Handler, opts ...RegisterOption) {
	v := verb{extension: extension, handler: h}
	for _, opt := range opts {
		opt(&v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verbs[name] = v
	for _, e := range c.extensions {
		if e == extension {
			return
		}
	}
	c.extensions = append(c.extensions, extension)
}

// Extensions lists the registered extension names in registration order.
func (c *Central) Extensions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.extensions...)
}

func (c *Central) Verbs() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.verbs))
	for n := range c.verbs {
		names = append(names, n)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Handshake opens the session when every required extension is supported.
func (c *Central) Handshake(required []string) error {
	have := make(map[string]bool)
	for _, e := range c.Extensions() {
		have[strings.ToLower(e)] = true
	}
	var missing []string
	for _, r := range required {
		if r = strings.TrimSpace(r); r != "" && !have[strings.ToLower(r)] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		c.handshaken.Store(false)
		return &MissingExtensionError{Missing: missing}
	}
	c.handshaken.Store(true)
	return nil
}

// Reset closes the session; commands fail until the next handshake.
func (c *Central) Reset() {
	c.handshaken.Store(false)
}

func (c *Central) lookup(name string) (verb, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.verbs[name]
	return v, ok
}

// Execute runs cmd on the calling goroutine. It returns nil only when the
// handler asked for no response.
func (c *Central) Execute(ctx context.Context, cmd *models.Command) *models.Response {
	v, ok := c.lookup(cmd.Name)
	if !ok {
		logger.Log.Warn("Unsupported command", "name", cmd.Name, "index", cmd.Index)
		return errorResponse(cmd, &UnsupportedError{Name: cmd.Name})
	}
	payload, err := invoke(ctx, v.handler, cmd)
	if errors.Is(err, ErrNoResponse) {
		return nil
	}
	if err != nil {
		logger.Log.Error("Command failed", "name", cmd.Name, "index", cmd.Index, "err", err)
		return errorResponse(cmd, err)
	}
	return &models.Response{Index: cmd.Index, Name: cmd.Name, Payload: payload}
}

func invoke(ctx context.Context, h Handler, cmd *models.Command) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Handler panicked", "name", cmd.Name, "panic", r, "stack", string(debug.Stack()))
			payload, err = nil, NewError(CodeInternal, "handler %s panicked: %v", cmd.Name, r)
		}
	}()
	return h(ctx, cmd)
}

func errorResponse(cmd *models.Command, err error) *models.Response {
	return &models.Response{Index: cmd.Index, Name: cmd.Name, Error: ErrorInfo(err)}
}

// Dispatch answers cmd through respond. Fast verbs run inline; long-running
// verbs are queued for the background worker started by Run.
func (c *Central) Dispatch(ctx context.Context, cmd *models.Command, respond ResponseFunc) {
	if !c.handshaken.Load() {
		c.deliver(ctx, respond, errorResponse(cmd, ErrHandshakeRequired))
		return
	}
	v, ok := c.lookup(cmd.Name)
	if !ok || !v.longRunning {
		c.deliver(ctx, respond, c.Execute(ctx, cmd))
		return
	}
	if v.admit != nil {
		if err := v.admit(cmd); err != nil {
			logger.Log.Warn("Command refused", "name", cmd.Name, "index", cmd.Index, "err", err)
			c.deliver(ctx, respond, errorResponse(cmd, err))
			return
		}
	}
	select {
	case c.background <- job{ctx: ctx, cmd: cmd, respond: respond}:
		logger.Log.Debug("Queued long-running command", "name", cmd.Name, "index", cmd.Index)
	default:
		c.deliver(ctx, respond, errorResponse(cmd, NewError(CodeInternal, "background queue full, %s rejected", cmd.Name)))
	}
}

// Run executes long-running commands one at a time until ctx ends. Jobs
// still queued then are executed with their own, usually cancelled,
// contexts so handlers can release what admission claimed.
func (c *Central) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-c.background:
					c.deliver(j.ctx, j.respond, c.Execute(j.ctx, j.cmd))
				default:
					return
				}
			}
		case j := <-c.background:
			c.deliver(j.ctx, j.respond, c.Execute(j.ctx, j.cmd))
		}
	}
}

func (c *Central) deliver(ctx context.Context, respond ResponseFunc, resp *models.Response) {
	if resp == nil {
		return
	}
	if err := respond(ctx, resp); err != nil {
		logger.Log.Warn("Failed to deliver response", "name", resp.Name, "index", resp.Index, "err", err)
	}
}
