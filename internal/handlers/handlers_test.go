package handlers

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/internal/remerge"
	"github.com/The-Promised-Neverland/storage-agent/internal/service"
	"github.com/The-Promised-Neverland/storage-agent/internal/stun"
	"github.com/The-Promised-Neverland/storage-agent/internal/tlsconf"
	"github.com/The-Promised-Neverland/storage-agent/internal/transfer"
	"github.com/The-Promised-Neverland/storage-agent/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	ctx      context.Context
	msgs     chan models.Message
	mu       sync.Mutex
	handlers map[string]ws.MessageHandler
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		ctx:      context.Background(),
		msgs:     make(chan models.Message, 64),
		handlers: make(map[string]ws.MessageHandler),
	}
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) RegisterHandler(msgType string, handler ws.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = handler
}

func (s *fakeSession) Send(_ context.Context, msg models.Message) error {
	s.msgs <- msg
	return nil
}

func (s *fakeSession) Respond(ctx context.Context, resp *models.Response) error {
	return s.Send(ctx, models.Message{Type: models.AgentMsgResponse, Payload: resp})
}

// next returns the next message of msgType, skipping others.
func (s *fakeSession) next(t *testing.T, msgType string) models.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-s.msgs:
			if m.Type == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message", msgType)
		}
	}
}

type fakeDaemon struct {
	shutdown chan struct{}
}

func (d *fakeDaemon) ShutdownDaemon() error {
	close(d.shutdown)
	return nil
}

type fixture struct {
	h       *Handlers
	session *fakeSession
	root    string
	daemon  *fakeDaemon
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	t.Setenv("ROOTS", root)
	t.Setenv("BIND_ADDRESS", "127.0.0.1")
	t.Setenv("STATUS_INTERVAL", "10ms")
	cfg := config.New()

	roots, err := filesys.NewRoots(cfg.Roots())
	require.NoError(t, err)
	state := &AgentState{
		Transfers: transfer.NewRegistry(),
		Roots:     roots,
		Queue:     filesys.NewQueue(roots),
		Remerge:   remerge.NewState(),
		TLS:       tlsconf.Disabled(),
		Stun:      stun.NewClient(""),
		Service:   service.NewService(roots),
	}
	session := newFakeSession()
	daemon := &fakeDaemon{shutdown: make(chan struct{})}
	h := NewHandler(session, protocol.NewCentral(), state, cfg, daemon)
	h.RegisterHandlers()
	require.NoError(t, h.Central.Handshake([]string{ExtensionBasic, ExtensionRemerge}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Central.Run(ctx)
	return &fixture{h: h, session: session, root: root, daemon: daemon}
}

func (f *fixture) exec(name string, args ...string) *models.Response {
	return f.h.Central.Execute(context.Background(), &models.Command{Index: "c-" + name, Name: name, Args: args})
}

func TestUploadThenChecksumRoundTrip(t *testing.T) {
	f := newFixture(t)
	payload := []byte("the quick brown fox jumps over the lazy dog\n")

	resp := f.exec("listen", "false", "false")
	require.False(t, resp.Failed(), "%+v", resp.Error)
	info := resp.Payload.(models.ConnectInfo)
	assert.Contains(t, info.Address, "127.0.0.1:")

	resp = f.exec("receive", "I", "0", info.TransferIndex, "*", "/incoming/fox.txt", "0", "0")
	require.False(t, resp.Failed(), "%+v", resp.Error)

	peer, err := net.Dial("tcp", info.Address)
	require.NoError(t, err)
	_, err = peer.Write(payload)
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	var final models.TransferStatus
	for {
		st := f.session.next(t, models.AgentMsgTransferStatus).Payload.(models.TransferStatus)
		if st.Final {
			final = st
			break
		}
	}
	assert.Nil(t, final.Error)
	assert.True(t, final.Finished)
	assert.Equal(t, "upload", final.Direction)
	assert.Equal(t, int64(len(payload)), final.Transferred)

	resp = f.exec("checksum", "/incoming/fox.txt")
	require.False(t, resp.Failed(), "%+v", resp.Error)
	sum := resp.Payload.(models.ChecksumResult).Checksum
	assert.Equal(t, crc32.ChecksumIEEE(payload), sum)
	assert.Equal(t, final.Checksum, sum)
}

func TestDownloadOverActiveConnection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "movie.bin"), []byte("frames"), 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		received <- buf[:n]
	}()

	resp := f.exec("connect", ln.Addr().String(), "false", "false")
	require.False(t, resp.Failed(), "%+v", resp.Error)
	idx := resp.Payload.(models.ConnectInfo).TransferIndex

	resp = f.exec("send", "I", "0", idx, "", "/movie.bin", "", "")
	require.False(t, resp.Failed(), "%+v", resp.Error)
	assert.Equal(t, "frames", string(<-received))
}

func TestUnknownTransferIndex(t *testing.T) {
	f := newFixture(t)

	resp := f.exec("abort", "999", "user cancelled")
	assert.False(t, resp.Failed())

	resp = f.exec("send", "I", "0", "999", "", "/x", "0", "0")
	require.True(t, resp.Failed())
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)

	resp = f.exec("checksum", "/missing.bin")
	require.True(t, resp.Failed())
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)

	resp = f.exec("abort", "not-a-number")
	assert.Equal(t, protocol.CodeInvalidArgument, resp.Error.Code)
}

func TestReceiveRefusesExistingFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "taken"), []byte("x"), 0o644))
	idx := f.exec("listen").Payload.(models.ConnectInfo).TransferIndex

	resp := f.exec("receive", "I", "0", idx, "", "/taken", "0", "0")
	require.True(t, resp.Failed())
	assert.Equal(t, transfer.CodeFileExists, resp.Error.Code)
}

func TestAbortStopsPendingTransfer(t *testing.T) {
	f := newFixture(t)
	idx := f.exec("listen").Payload.(models.ConnectInfo).TransferIndex
	require.False(t, f.exec("receive", "I", "0", idx, "", "/never.bin").Failed())

	assert.False(t, f.exec("abort", idx, "operator request").Failed())
	for {
		st := f.session.next(t, models.AgentMsgTransferStatus).Payload.(models.TransferStatus)
		if !st.Final {
			continue
		}
		require.NotNil(t, st.Error)
		assert.Equal(t, transfer.CodeAborted, st.Error.Code)
		break
	}
	i, _ := strconv.Atoi(idx)
	_, ok := f.h.State.Transfers.Get(transfer.Index(i))
	assert.False(t, ok)
}

func (f *fixture) finalStatus(t *testing.T) models.TransferStatus {
	t.Helper()
	for {
		st := f.session.next(t, models.AgentMsgTransferStatus).Payload.(models.TransferStatus)
		if st.Final {
			return st
		}
	}
}

func (f *fixture) transfer(t *testing.T, idx string) (*transfer.Transfer, bool) {
	t.Helper()
	i, err := transfer.ParseIndex(idx)
	require.NoError(t, err)
	return f.h.State.Transfers.Get(i)
}

func TestAbortWhileUploadIsStreaming(t *testing.T) {
	f := newFixture(t)
	info := f.exec("listen").Payload.(models.ConnectInfo)
	require.False(t, f.exec("receive", "I", "0", info.TransferIndex, "", "/stream.bin", "0", "0").Failed())
	tr, ok := f.transfer(t, info.TransferIndex)
	require.True(t, ok)

	peer, err := net.Dial("tcp", info.Address)
	require.NoError(t, err)
	defer peer.Close()
	_, err = peer.Write(make([]byte, 5000))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Status().Transferred == 5000 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, f.exec("abort", info.TransferIndex, "operator request").Failed())
	final := f.finalStatus(t)
	require.NotNil(t, final.Error)
	assert.Equal(t, transfer.CodeAborted, final.Error.Code)
	assert.Equal(t, int64(5000), final.Transferred)
	assert.True(t, final.Finished)
	assert.True(t, tr.IsFinished())
	_, ok = f.transfer(t, info.TransferIndex)
	assert.False(t, ok)
}

func TestRefusedTransferIsReleased(t *testing.T) {
	tests := []struct {
		name   string
		verb   string
		offset string
		path   string
		code   string
	}{
		{"receive onto existing file", "receive", "0", "/taken", transfer.CodeFileExists},
		{"send of missing file", "send", "0", "/missing", protocol.CodeNotFound},
		{"malformed offset", "receive", "x", "/new", protocol.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, os.WriteFile(filepath.Join(f.root, "taken"), []byte("x"), 0o644))
			info := f.exec("listen").Payload.(models.ConnectInfo)

			resp := f.exec(tt.verb, "I", tt.offset, info.TransferIndex, "", tt.path, "0", "0")
			require.True(t, resp.Failed())
			assert.Equal(t, tt.code, resp.Error.Code)

			_, ok := f.transfer(t, info.TransferIndex)
			assert.False(t, ok)
			_, err := net.DialTimeout("tcp", info.Address, time.Second)
			assert.Error(t, err, "listener should be closed")
		})
	}
}

func TestDeniedUploadLeavesNoDirectories(t *testing.T) {
	f := newFixture(t)
	info := f.exec("listen").Payload.(models.ConnectInfo)
	resp := f.exec("receive", "I", "0", info.TransferIndex, "10.0.0.0/8", "/incoming/deep/x.bin", "0", "0")
	require.False(t, resp.Failed(), "%+v", resp.Error)

	peer, err := net.Dial("tcp", info.Address)
	require.NoError(t, err)
	defer peer.Close()

	final := f.finalStatus(t)
	require.NotNil(t, final.Error)
	assert.Equal(t, transfer.CodeDenied, final.Error.Code)
	assert.NoDirExists(t, filepath.Join(f.root, "incoming"))
}

func TestDeleteAndRename(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a", "one.txt"), []byte("1"), 0o644))

	resp := f.exec("rename", "/a/one.txt", "/b", "two.txt")
	require.False(t, resp.Failed(), "%+v", resp.Error)
	assert.FileExists(t, filepath.Join(f.root, "b", "two.txt"))

	resp = f.exec("delete", "/b/two.txt")
	require.False(t, resp.Failed(), "%+v", resp.Error)
	assert.False(t, resp.Payload.(models.FileOperation).Deferred)
	assert.NoFileExists(t, filepath.Join(f.root, "b", "two.txt"))

	resp = f.exec("delete", "/b/two.txt")
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)
}

func TestControlVerbs(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, models.SSLCheck{Enabled: false}, f.exec("ssl-check").Payload)
	assert.False(t, f.exec("ping").Failed())
	assert.Positive(t, f.exec("maxpath").Payload.(models.MaxPath).Length)
	assert.NotZero(t, f.exec("diskstatus").Payload.(models.DiskStatus).SpaceCapacity)

	resp := f.exec("connect", "127.0.0.1:1", "true", "false")
	assert.Equal(t, protocol.CodeInvalidArgument, resp.Error.Code)

	resp = f.exec("warp-drive")
	assert.Equal(t, protocol.CodeUnsupported, resp.Error.Code)
	assert.Equal(t, "c-warp-drive", resp.Index)

	assert.False(t, f.exec("shutdown").Failed())
	select {
	case <-f.daemon.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not requested")
	}
}

func TestRemergeStreamsListingsThenSummary(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "A", "B"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "A", "B", "c.txt"), []byte("c"), 0o644))

	f.h.Central.Dispatch(context.Background(), &models.Command{Index: "r1", Name: "remerge", Args: []string{"/", "false", "0", "0", "false"}}, f.session.Respond)

	var paths []string
	for len(paths) < 3 {
		l := f.session.next(t, models.AgentMsgRemergeListing).Payload.(models.RemergeListing)
		assert.Equal(t, "r1", l.CommandIndex)
		paths = append(paths, l.Path)
	}
	assert.Equal(t, []string{"/A/B", "/A", "/"}, paths)

	resp := f.session.next(t, models.AgentMsgResponse).Payload.(*models.Response)
	require.False(t, resp.Failed())
	assert.Equal(t, models.RemergeSummary{Path: "/", Sent: 3}, resp.Payload)
	assert.False(t, f.h.State.Remerge.Running())
}

func TestSecondRemergeIsRefused(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.h.State.Remerge.TryStart())

	f.h.Central.Dispatch(context.Background(), &models.Command{Index: "r2", Name: "remerge", Args: []string{"/"}}, f.session.Respond)
	resp := f.session.next(t, models.AgentMsgResponse).Payload.(*models.Response)
	require.True(t, resp.Failed())
	assert.Equal(t, remerge.CodeAlreadyRunning, resp.Error.Code)
}

func TestHandshakeReply(t *testing.T) {
	f := newFixture(t)
	payload, _ := json.Marshal(models.HandshakeRequest{Extensions: []string{"Basic", "Archive"}})
	require.NoError(t, f.h.Handshake(context.Background(), payload))

	reply := f.session.next(t, models.AgentMsgHandshake).Payload.(models.HandshakeReply)
	assert.Equal(t, []string{ExtensionBasic, ExtensionRemerge}, reply.Extensions)
	assert.NotEmpty(t, reply.SessionID)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeMissingExtension, reply.Error.Code)

	resp := f.exec("ping")
	assert.False(t, resp.Failed())
	f.h.Central.Dispatch(context.Background(), &models.Command{Index: "p", Name: "ping"}, f.session.Respond)
	resp = f.session.next(t, models.AgentMsgResponse).Payload.(*models.Response)
	assert.Equal(t, protocol.CodeHandshakeRequired, resp.Error.Code)
}
