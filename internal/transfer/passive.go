package transfer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// PassiveConnection binds when created so the port can be advertised, then
// accepts exactly one peer and closes the listening socket.
type PassiveConnection struct {
	state    connState
	listener net.Listener
	opts     ConnOptions
}

func NewPassiveConnection(opts ConnOptions) (*PassiveConnection, error) {
	ln, err := listenInRange(opts.BindAddress, opts.PortLow, opts.PortHigh)
	if err != nil {
		return nil, err
	}
	return &PassiveConnection{listener: ln, opts: opts}, nil
}

func listenInRange(bind string, low, high int) (net.Listener, error) {
	if low <= 0 || high < low {
		return net.Listen("tcp", net.JoinHostPort(bind, "0"))
	}
	span := high - low + 1
	start := rand.Intn(span)
	var lastErr error
	for i := 0; i < span; i++ {
		port := low + (start+i)%span
		ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in range %d-%d: %w", low, high, lastErr)
}

func (c *PassiveConnection) Address() string {
	return c.listener.Addr().String()
}

// Port is the bound listening port.
func (c *PassiveConnection) Port() int {
	if addr, ok := c.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (c *PassiveConnection) Abort() {
	if c.state.abort() {
		_ = c.listener.Close()
	}
}

func (c *PassiveConnection) Connect(parent context.Context) (net.Conn, error) {
	ctx, cancel, err := c.state.begin(parent, c.opts.Timeout)
	if err != nil {
		_ = c.listener.Close()
		return nil, err
	}
	defer cancel()
	if tl, ok := c.listener.(*net.TCPListener); ok && c.opts.Timeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(c.opts.Timeout))
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.listener.Close()
		case <-done:
		}
	}()
	raw, err := c.listener.Accept()
	_ = c.listener.Close()
	if err != nil {
		if c.state.isAborted() {
			return nil, ErrConnectionAborted
		}
		return nil, fmt.Errorf("failed to accept on %s: %w", c.Address(), err)
	}
	applySocketOptions(raw, c.opts.SocketBufferSize)
	conn, err := secure(ctx, raw, c.opts)
	if err != nil {
		if c.state.isAborted() {
			return nil, ErrConnectionAborted
		}
		return nil, err
	}
	logger.Log.Debug("Passive connection accepted", "remote", raw.RemoteAddr().String())
	return conn, nil
}
