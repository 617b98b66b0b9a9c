package ws

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/The-Promised-Neverland/storage-agent/pkg/utils"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("connection is closed")

// MessageHandler handles one inbound message type. It runs on the dispatch pump.
type MessageHandler func(ctx context.Context, payload json.RawMessage) error

type outbound struct {
	msg    models.Message
	result chan error
}

// Agent is one websocket session with the coordinator.
type Agent struct {
	Conn       *websocket.Conn
	Config     *config.Config
	Handlers   map[string]MessageHandler
	sendCh     chan outbound
	incomingCh chan models.Inbound
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
}

func NewAgent(cfg *config.Config, parentCtx context.Context) *Agent {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Agent{
		Config:     cfg,
		Handlers:   make(map[string]MessageHandler),
		sendCh:     make(chan outbound, 256),
		incomingCh: make(chan models.Inbound, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Context ends when the session disconnects.
func (a *Agent) Context() context.Context {
	return a.ctx
}

func (a *Agent) AgentDisconnected() <-chan struct{} {
	return a.ctx.Done()
}

func (a *Agent) RegisterHandler(msgType string, handler MessageHandler) {
	a.Handlers[msgType] = handler
}

func (a *Agent) Connect() error {
	wsURL := utils.BuildWebSocketURL(a.Config.MasterServerConn(), a.Config.AgentID(), a.Config.AgentName(), runtime.GOOS)
	logger.Log.Info("Attempting connection", "url", wsURL)
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(a.ctx, wsURL, nil)
	if err != nil {
		logger.Log.Error("Connection error", "err", err)
		return err
	}
	a.Conn = conn
	logger.Log.Info("Connected to master", "url", wsURL)
	return nil
}

// Send queues msg and waits until it is written. Messages sent from one
// goroutine reach the coordinator in call order.
func (a *Agent) Send(ctx context.Context, msg models.Message) error {
	out := outbound{msg: msg, result: make(chan error, 1)}
	select {
	case a.sendCh <- out:
	case <-a.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-out.result:
		return err
	case <-a.ctx.Done():
		return ErrClosed
	}
}

// Respond wraps resp in the response envelope and sends it.
func (a *Agent) Respond(ctx context.Context, resp *models.Response) error {
	return a.Send(ctx, models.Message{Type: models.AgentMsgResponse, Payload: resp})
}

func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		if a.Conn != nil {
			a.closeErr = a.Conn.Close()
		}
	})
	return a.closeErr
}
