package handlers

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/internal/transfer"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

func (h *Handlers) transferOptions() transfer.Options {
	return transfer.Options{
		BufferSize:        h.Config.BufferSize(),
		UploadChecksums:   h.Config.UploadChecksums(),
		DownloadChecksums: h.Config.DownloadChecksums(),
		MinSpeedGrace:     h.Config.MinSpeedGrace(),
		MinSpeedInterval:  h.Config.MinSpeedInterval(),
		StatusInterval:    h.Config.StatusInterval(),
		TrailingRetry:     h.Config.TrailingRetry(),
	}
}

// tlsConfig picks the handshake role independently of who dialed.
func (h *Handlers) tlsConfig(encrypted, clientHandshake bool) (*tls.Config, error) {
	if !encrypted {
		return nil, nil
	}
	if !h.State.TLS.Enabled() {
		return nil, protocol.InvalidArgument("encrypted transfer requested but TLS is not configured")
	}
	if clientHandshake {
		return h.State.TLS.ClientConfig(), nil
	}
	return h.State.TLS.ServerConfig(), nil
}

func statusPayload(commandIndex string, t *transfer.Transfer, path string, st transfer.Status) models.TransferStatus {
	return models.TransferStatus{
		CommandIndex:  commandIndex,
		TransferIndex: t.Index().String(),
		Direction:     st.Direction.String(),
		Path:          path,
		Transferred:   st.Transferred,
		ElapsedMillis: st.Elapsed.Milliseconds(),
		Checksum:      st.Checksum,
		Finished:      st.Finished,
	}
}

// Connect: connect(endpoint, encrypted, clientHandshake)
func (h *Handlers) Connect(ctx context.Context, cmd *models.Command) (any, error) {
	a := argsOf(cmd, 1)
	endpoint := a.str(0)
	encrypted, clientHandshake := a.flag(1), a.flag(2)
	if a.err != nil {
		return nil, a.err
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, protocol.InvalidArgument("connect: bad endpoint %q", endpoint)
	}
	tlsCfg, err := h.tlsConfig(encrypted, clientHandshake)
	if err != nil {
		return nil, err
	}
	conn := transfer.NewActiveConnection(endpoint, transfer.ConnOptions{
		TLS:              tlsCfg,
		ClientHandshake:  clientHandshake,
		BindAddress:      h.Config.BindAddress(),
		SocketBufferSize: h.Config.SocketBufferSize(),
		Timeout:          h.Config.ConnectTimeout(),
	})
	t := h.State.Transfers.New(conn, h.transferOptions())
	logger.Log.Info("Active transfer allocated", "index", t.Index().String(), "endpoint", endpoint, "encrypted", encrypted)
	return models.ConnectInfo{
		TransferIndex: t.Index().String(),
		Address:       endpoint,
		Status:        statusPayload(cmd.Index, t, "", t.Status()),
	}, nil
}

// Listen: listen(encrypted, clientHandshake)
func (h *Handlers) Listen(ctx context.Context, cmd *models.Command) (any, error) {
	a := argsOf(cmd, 0)
	encrypted, clientHandshake := a.flag(0), a.flag(1)
	if a.err != nil {
		return nil, a.err
	}
	tlsCfg, err := h.tlsConfig(encrypted, clientHandshake)
	if err != nil {
		return nil, err
	}
	pr := h.Config.PortRange()
	conn, err := transfer.NewPassiveConnection(transfer.ConnOptions{
		TLS:              tlsCfg,
		ClientHandshake:  clientHandshake,
		BindAddress:      h.Config.BindAddress(),
		SocketBufferSize: h.Config.SocketBufferSize(),
		Timeout:          h.Config.AcceptTimeout(),
		PortLow:          pr.Low,
		PortHigh:         pr.High,
	})
	if err != nil {
		return nil, err
	}
	t := h.State.Transfers.New(conn, h.transferOptions())
	addr := net.JoinHostPort(h.advertisedHost(conn), strconv.Itoa(conn.Port()))
	logger.Log.Info("Passive transfer allocated", "index", t.Index().String(), "address", addr, "encrypted", encrypted)
	return models.ConnectInfo{
		TransferIndex: t.Index().String(),
		Address:       addr,
		Status:        statusPayload(cmd.Index, t, "", t.Status()),
	}, nil
}

// advertisedHost is PASV_ADDRESS, else the STUN-discovered IP, else the bound host.
func (h *Handlers) advertisedHost(conn *transfer.PassiveConnection) string {
	if pasv := h.Config.PasvAddress(); pasv != "" {
		return pasv
	}
	if ip := h.State.Stun.PublicIP(); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(conn.Address())
	if err != nil {
		return conn.Address()
	}
	return host
}

// transferArgs holds the shared arguments of send and receive:
// (type, offset, transferIndex, sourceMask, path, minSpeed, maxSpeed).
type transferArgs struct {
	ascii      bool
	offset     int64
	index      transfer.Index
	sourceMask string
	path       string
	minSpeed   int64
	maxSpeed   int64
}

func parseTransferArgs(cmd *models.Command) (transferArgs, error) {
	a := argsOf(cmd, 5)
	// The index goes first so a refused request can still release its transfer.
	ta := transferArgs{index: a.index(2)}
	ta.ascii = a.ascii(0)
	ta.offset = a.num(1)
	ta.sourceMask = a.str(3)
	ta.path = a.str(4)
	ta.minSpeed = a.num(5)
	ta.maxSpeed = a.num(6)
	if a.err != nil {
		return ta, a.err
	}
	if ta.offset < 0 || ta.minSpeed < 0 || ta.maxSpeed < 0 {
		return ta, protocol.InvalidArgument("%s: negative offset or speed", cmd.Name)
	}
	v, err := filesys.CleanVirtual(ta.path)
	if err != nil {
		return ta, err
	}
	ta.path = v
	return ta, nil
}

func (h *Handlers) lookupTransfer(index transfer.Index) (*transfer.Transfer, error) {
	t, ok := h.State.Transfers.Get(index)
	if !ok {
		return nil, protocol.NotFound("transfer %s not found", index)
	}
	return t, nil
}

// boundTransfer parses send/receive arguments and resolves the transfer. A
// transfer whose request is malformed is abandoned.
func (h *Handlers) boundTransfer(cmd *models.Command) (transferArgs, *transfer.Transfer, error) {
	ta, parseErr := parseTransferArgs(cmd)
	if parseErr != nil && ta.index == 0 {
		return ta, nil, parseErr
	}
	t, err := h.lookupTransfer(ta.index)
	if err != nil {
		if parseErr != nil {
			return ta, nil, parseErr
		}
		return ta, nil, err
	}
	if parseErr != nil {
		return ta, nil, abandon(t, cmd, parseErr)
	}
	return ta, t, nil
}

// abandon aborts a transfer whose send or receive was refused before the
// loop started, closing its listener and dropping it from the registry.
func abandon(t *transfer.Transfer, cmd *models.Command, err error) error {
	t.Abort(fmt.Sprintf("%s refused: %v", cmd.Name, err))
	return err
}

// SendFile streams a local file to the peer: the coordinator's download.
func (h *Handlers) SendFile(ctx context.Context, cmd *models.Command) (any, error) {
	ta, t, err := h.boundTransfer(cmd)
	if err != nil {
		return nil, err
	}
	local, ok := h.State.Roots.Lookup(ta.path)
	if !ok {
		return nil, abandon(t, cmd, protocol.NotFound("%s not found", ta.path))
	}
	t.SetSpeedLimits(ta.minSpeed, ta.maxSpeed)
	req := transfer.Request{Path: local, Key: ta.path, ASCII: ta.ascii, Offset: ta.offset, SourceMask: ta.sourceMask}
	go h.runTransfer(cmd.Index, t, ta.path, func(onStatus transfer.StatusFunc) (transfer.Status, error) {
		return t.SendFile(context.Background(), req, onStatus)
	})
	return statusPayload(cmd.Index, t, ta.path, t.Status()), nil
}

// ReceiveFile stores bytes from the peer: the coordinator's upload.
func (h *Handlers) ReceiveFile(ctx context.Context, cmd *models.Command) (any, error) {
	ta, t, err := h.boundTransfer(cmd)
	if err != nil {
		return nil, err
	}
	var local string
	if ta.offset > 0 {
		var ok bool
		if local, ok = h.State.Roots.Lookup(ta.path); !ok {
			return nil, abandon(t, cmd, protocol.NotFound("%s not found, cannot resume", ta.path))
		}
	} else {
		if h.State.Roots.Exists(ta.path) {
			return nil, abandon(t, cmd, transfer.ErrFileExists)
		}
		if local, err = h.State.Roots.UploadPath(ta.path); err != nil {
			return nil, abandon(t, cmd, err)
		}
	}
	t.SetSpeedLimits(ta.minSpeed, ta.maxSpeed)
	req := transfer.Request{Path: local, Key: ta.path, ASCII: ta.ascii, Offset: ta.offset, SourceMask: ta.sourceMask}
	go h.runTransfer(cmd.Index, t, ta.path, func(onStatus transfer.StatusFunc) (transfer.Status, error) {
		return t.ReceiveFile(context.Background(), req, onStatus)
	})
	return statusPayload(cmd.Index, t, ta.path, t.Status()), nil
}

// runTransfer drives the loop and pushes intermediate and final status on
// this goroutine, so the final status is always the last one sent.
func (h *Handlers) runTransfer(commandIndex string, t *transfer.Transfer, path string, run func(transfer.StatusFunc) (transfer.Status, error)) {
	ctx := h.Session.Context()
	onStatus := func(st transfer.Status) {
		if err := h.Session.Send(ctx, models.Message{
			Type:    models.AgentMsgTransferStatus,
			Payload: statusPayload(commandIndex, t, path, st),
		}); err != nil {
			logger.Log.Debug("Status push failed", "index", t.Index().String(), "err", err)
		}
	}
	st, err := run(onStatus)
	final := statusPayload(commandIndex, t, path, st)
	final.Final = true
	final.Error = protocol.ErrorInfo(err)
	if err := h.Session.Send(ctx, models.Message{Type: models.AgentMsgTransferStatus, Payload: final}); err != nil {
		logger.Log.Warn("Final status not delivered", "index", t.Index().String(), "err", err)
	}
}

// Abort: abort(transferIndex, reason). Unknown indexes are not an error;
// the transfer may already have finished.
func (h *Handlers) Abort(ctx context.Context, cmd *models.Command) (any, error) {
	a := argsOf(cmd, 1)
	index := a.index(0)
	reason := a.str(1)
	if a.err != nil {
		return nil, a.err
	}
	if reason == "" {
		reason = "aborted by coordinator"
	}
	if t, ok := h.State.Transfers.Get(index); ok {
		t.Abort(reason)
	} else {
		logger.Log.Debug("Abort for unknown transfer", "index", index.String())
	}
	return nil, nil
}
