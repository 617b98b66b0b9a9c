package stun

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/pion/stun/v2"
)

// Client discovers the agent's public address so passive connections can
// be advertised from behind NAT.
type Client struct {
	serverAddr string
	timeout    time.Duration

	mu        sync.RWMutex
	publicIP  string
	lastQuery time.Time
}

type EndpointInfo struct {
	PublicEndpoint string
	IP             string
	Changed        bool
}

// NewClient returns a client for serverAddr; an empty address disables discovery.
func NewClient(serverAddr string) *Client {
	return &Client{serverAddr: serverAddr, timeout: 5 * time.Second}
}

func (c *Client) Enabled() bool {
	return c != nil && c.serverAddr != ""
}

// PublicIP is the last discovered address, or "" before the first success.
func (c *Client) PublicIP() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publicIP
}

func (c *Client) LastQuery() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastQuery
}

func (c *Client) QueryEndpoint() (*EndpointInfo, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("no STUN server configured")
	}
	conn, err := net.DialTimeout("udp", c.serverAddr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial STUN server: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	client, err := stun.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create STUN client: %w", err)
	}
	defer client.Close()
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var xorAddr stun.XORMappedAddress
	var queryErr error
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			queryErr = res.Error
			return
		}
		if err := xorAddr.GetFrom(res.Message); err != nil {
			queryErr = fmt.Errorf("failed to get XOR mapped address: %w", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("STUN query failed: %w", err)
	}
	if queryErr != nil {
		return nil, queryErr
	}
	ip := xorAddr.IP.String()
	c.mu.Lock()
	changed := c.publicIP != ip
	if changed {
		c.publicIP = ip
		logger.Log.Info("STUN endpoint discovered", "endpoint", xorAddr.String())
	}
	c.lastQuery = time.Now()
	c.mu.Unlock()
	return &EndpointInfo{PublicEndpoint: xorAddr.String(), IP: ip, Changed: changed}, nil
}

// StartPeriodicQuery refreshes the public address until ctx ends.
func (c *Client) StartPeriodicQuery(ctx context.Context, interval time.Duration) {
	if !c.Enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if _, err := c.QueryEndpoint(); err != nil {
		logger.Log.Warn("Initial STUN query failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.QueryEndpoint(); err != nil {
				logger.Log.Warn("Periodic STUN query failed", "err", err)
			}
		}
	}
}
