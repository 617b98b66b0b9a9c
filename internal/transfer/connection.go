package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// Connection yields exactly one byte stream to its Transfer.
type Connection interface {
	// Connect dials or accepts, applies socket options and runs the TLS
	// handshake when configured. A second call fails.
	Connect(ctx context.Context) (net.Conn, error)
	// Abort is idempotent. It fails a pending Connect and any later one.
	Abort()
	// Address is the remote endpoint for active connections and the
	// listening endpoint for passive ones.
	Address() string
}

// ConnOptions configure socket setup for both connection kinds.
type ConnOptions struct {
	// TLS is nil for plain TCP.
	TLS *tls.Config
	// ClientHandshake selects the TLS client role independently of dial direction.
	ClientHandshake  bool
	BindAddress      string
	SocketBufferSize int
	Timeout          time.Duration
	PortLow          int
	PortHigh         int
}

// connState tracks the single-use and abort rules shared by both kinds.
type connState struct {
	mu      sync.Mutex
	aborted bool
	used    bool
	cancel  context.CancelFunc
}

// begin claims the connection for one Connect call.
func (s *connState) begin(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return nil, nil, ErrAbortedBeforeUse
	}
	if s.used {
		return nil, nil, ErrConnectionSpent
	}
	s.used = true
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	s.cancel = cancel
	return ctx, cancel, nil
}

// abort marks the state and reports whether this call was the first.
func (s *connState) abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	s.aborted = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

func (s *connState) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// ActiveConnection dials out to the peer.
type ActiveConnection struct {
	state connState
	addr  string
	opts  ConnOptions
}

func NewActiveConnection(addr string, opts ConnOptions) *ActiveConnection {
	return &ActiveConnection{addr: addr, opts: opts}
}

func (c *ActiveConnection) Address() string {
	return c.addr
}

func (c *ActiveConnection) Abort() {
	c.state.abort()
}

func (c *ActiveConnection) Connect(parent context.Context) (net.Conn, error) {
	ctx, cancel, err := c.state.begin(parent, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	dialer := net.Dialer{}
	if c.opts.BindAddress != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(c.opts.BindAddress)}
	}
	raw, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if c.state.isAborted() {
			return nil, ErrConnectionAborted
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}
	applySocketOptions(raw, c.opts.SocketBufferSize)
	conn, err := secure(ctx, raw, c.opts)
	if err != nil {
		if c.state.isAborted() {
			return nil, ErrConnectionAborted
		}
		return nil, err
	}
	logger.Log.Debug("Active connection established", "remote", c.addr)
	return conn, nil
}

func applySocketOptions(conn net.Conn, bufferSize int) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok || bufferSize <= 0 {
		return
	}
	if err := tcp.SetReadBuffer(bufferSize); err != nil {
		logger.Log.Warn("Failed to set receive buffer", "size", bufferSize, "err", err)
	}
	if err := tcp.SetWriteBuffer(bufferSize); err != nil {
		logger.Log.Warn("Failed to set send buffer", "size", bufferSize, "err", err)
	}
}

// secure runs the TLS handshake in the configured role. The raw socket is
// closed on failure. Cancelling ctx interrupts the handshake.
func secure(ctx context.Context, raw net.Conn, opts ConnOptions) (net.Conn, error) {
	if opts.TLS == nil {
		return raw, nil
	}
	var tc *tls.Conn
	if opts.ClientHandshake {
		tc = tls.Client(raw, opts.TLS)
	} else {
		tc = tls.Server(raw, opts.TLS)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	state := tc.ConnectionState()
	logger.Log.Info("TLS negotiated",
		"suite", tls.CipherSuiteName(state.CipherSuite),
		"version", tls.VersionName(state.Version),
		"client_role", opts.ClientHandshake,
	)
	return tc, nil
}
