package ws

import (
	"encoding/json"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	readDeadline  = 70 * time.Second
	writeDeadline = 10 * time.Second
)

// connectionMonitor checks if we're receiving pings from master
func (a *Agent) connectionMonitor() {
	_ = a.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	a.Conn.SetPingHandler(func(appData string) error {
		logger.Log.Debug("🏓 Received ping from master")
		_ = a.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		err := a.Conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeDeadline))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

// readPump handles incoming messages from master
func (a *Agent) readPump() {
	defer func() {
		logger.Log.Info("🔴 Read pump stopped")
	}()
	for {
		_, msgBytes, err := a.Conn.ReadMessage()
		if err != nil {
			a.Close()
			return
		}
		_ = a.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		var msg models.Inbound
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			logger.Log.Warn("⚠️ Failed to parse message", "warn", err)
			continue
		}
		select {
		case a.incomingCh <- msg:
		case <-a.ctx.Done():
			return
		}
	}
}

// writePump is the only writer of data frames.
func (a *Agent) writePump() {
	defer func() {
		logger.Log.Info("🔴 Write pump stopped")
	}()
	for {
		select {
		case out := <-a.sendCh:
			_ = a.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := a.Conn.WriteJSON(out.msg)
			out.result <- err
			if err != nil {
				logger.Log.Error("Write failed", "type", out.msg.Type, "err", err)
				a.Close()
				return
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// dispatchPump dispatches incoming messages to registered handlers
func (a *Agent) dispatchPump() {
	defer func() {
		logger.Log.Info("🔴 Dispatch pump stopped")
	}()
	for {
		select {
		case msg := <-a.incomingCh:
			if handler, ok := a.Handlers[msg.Type]; ok {
				if err := handler(a.ctx, msg.Payload); err != nil {
					logger.Log.Error("❌ Handler error", "type", msg.Type, "err", err)
				}
			} else {
				logger.Log.Warn("⚠️ No handler for message type", "type", msg.Type)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// RunPumps starts all pumps and connection monitor
func (a *Agent) RunPumps() {
	a.connectionMonitor()
	go a.readPump()
	go a.writePump()
	go a.dispatchPump()
	logger.Log.Info("✅ All pumps started")
}
