package transfer

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.BufferSize = 1024
	opts.StatusInterval = 10 * time.Millisecond
	opts.TrailingRetry = 10 * time.Millisecond
	return opts
}

func listenLocal(t *testing.T) *PassiveConnection {
	t.Helper()
	conn, err := NewPassiveConnection(ConnOptions{BindAddress: "127.0.0.1", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return conn
}

type result struct {
	status Status
	err    error
}

func TestReceiveFileWritesPayloadAndChecksum(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	conn := listenLocal(t)
	tr := reg.New(conn, testOptions())
	payload := bytes.Repeat([]byte("storage-agent "), 4096)

	done := make(chan result, 1)
	go func() {
		st, err := tr.ReceiveFile(context.Background(), Request{Path: filepath.Join(dir, "in.bin")}, nil)
		done <- result{st, err}
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	_, err = peer.Write(payload)
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.status.Finished)
	assert.Equal(t, Upload, res.status.Direction)
	assert.Equal(t, int64(len(payload)), res.status.Transferred)
	assert.Equal(t, crc32.ChecksumIEEE(payload), res.status.Checksum)

	got, err := os.ReadFile(filepath.Join(dir, "in.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, reg.Len())
}

func TestSendFileStreamsFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.txt")
	payload := []byte("line one\nline two\n")
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	reg := NewRegistry()
	conn := listenLocal(t)
	tr := reg.New(conn, testOptions())

	var statuses []Status
	done := make(chan result, 1)
	go func() {
		st, err := tr.SendFile(context.Background(), Request{Path: src, Key: "/out.txt"}, func(s Status) {
			statuses = append(statuses, s)
		})
		done <- result{st, err}
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	defer peer.Close()
	got, err := io.ReadAll(peer)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, payload, got)
	assert.Equal(t, crc32.ChecksumIEEE(payload), res.status.Checksum)
	for _, s := range statuses {
		assert.False(t, s.Finished)
	}
}

func TestSendFileASCIIMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("a\nb\r\nc\n"), 0o644))

	conn := listenLocal(t)
	tr := NewRegistry().New(conn, testOptions())
	done := make(chan error, 1)
	go func() {
		_, err := tr.SendFile(context.Background(), Request{Path: src, ASCII: true}, nil)
		done <- err
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	defer peer.Close()
	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "a\r\nb\r\nc\r\n", string(got))
}

func TestReceiveFileResumesAtOffset(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "partial.bin")
	require.NoError(t, os.WriteFile(dst, []byte("hello, garbage"), 0o644))

	conn := listenLocal(t)
	tr := NewRegistry().New(conn, testOptions())
	done := make(chan result, 1)
	go func() {
		st, err := tr.ReceiveFile(context.Background(), Request{Path: dst, Offset: 7}, nil)
		done <- result{st, err}
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	_, err = peer.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	res := <-done
	require.NoError(t, res.err)
	assert.Zero(t, res.status.Checksum)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(got))
}

func TestReceiveFileRefusesExistingFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "taken.bin")
	require.NoError(t, os.WriteFile(dst, []byte("keep"), 0o644))

	conn := listenLocal(t)
	tr := NewRegistry().New(conn, testOptions())
	done := make(chan error, 1)
	go func() {
		_, err := tr.ReceiveFile(context.Background(), Request{Path: dst}, nil)
		done <- err
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	defer peer.Close()

	err = <-done
	assert.ErrorIs(t, err, ErrFileExists)
	got, _ := os.ReadFile(dst)
	assert.Equal(t, "keep", string(got))
}

func TestSourceMaskDeniesBeforeTouchingFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "incoming", "denied.bin")

	conn := listenLocal(t)
	tr := NewRegistry().New(conn, testOptions())
	done := make(chan error, 1)
	go func() {
		_, err := tr.ReceiveFile(context.Background(), Request{Path: dst, SourceMask: "10.0.0.0/8"}, nil)
		done <- err
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	defer peer.Close()

	err = <-done
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, CodeDenied, denied.Code())
	assert.NoDirExists(t, filepath.Dir(dst))
}

func TestReceiveFileCreatesParents(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "a", "b", "new.bin")
	conn := listenLocal(t)
	tr := NewRegistry().New(conn, testOptions())
	done := make(chan result, 1)
	go func() {
		st, err := tr.ReceiveFile(context.Background(), Request{Path: dst}, nil)
		done <- result{st, err}
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	_, err = peer.Write([]byte("nested"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	res := <-done
	require.NoError(t, res.err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(got))
}

func TestAbortBeforeStart(t *testing.T) {
	reg := NewRegistry()
	conn := listenLocal(t)
	tr := reg.New(conn, testOptions())

	tr.Abort("cancelled by coordinator")
	tr.Abort("second reason")
	assert.True(t, tr.IsFinished())
	reason, ok := tr.AbortReason()
	assert.True(t, ok)
	assert.Equal(t, "cancelled by coordinator", reason)
	assert.Zero(t, reg.Len())

	_, err := tr.ReceiveFile(context.Background(), Request{Path: filepath.Join(t.TempDir(), "x")}, nil)
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "cancelled by coordinator", aborted.Reason)

	_, err = conn.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAbortedBeforeUse)
}

func TestAbortUnblocksPendingAccept(t *testing.T) {
	reg := NewRegistry()
	conn := listenLocal(t)
	tr := reg.New(conn, testOptions())
	done := make(chan error, 1)
	go func() {
		_, err := tr.ReceiveFile(context.Background(), Request{Path: filepath.Join(t.TempDir(), "never")}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return tr.Direction() == Upload }, time.Second, 5*time.Millisecond)
	tr.Abort("stop")

	select {
	case err := <-done:
		assert.True(t, IsAborted(err))
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not unblock accept")
	}
	assert.True(t, tr.IsFinished())
	assert.Zero(t, reg.Len())
}

func TestMinimumSpeedFailsStalledTransfer(t *testing.T) {
	opts := testOptions()
	opts.MinSpeedGrace = 50 * time.Millisecond
	opts.MinSpeedInterval = 20 * time.Millisecond

	conn := listenLocal(t)
	tr := NewRegistry().New(conn, opts)
	tr.SetSpeedLimits(1<<20, 0)
	done := make(chan result, 1)
	go func() {
		st, err := tr.ReceiveFile(context.Background(), Request{Path: filepath.Join(t.TempDir(), "slow")}, nil)
		done <- result{st, err}
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	defer peer.Close()
	_, err = peer.Write([]byte("a few bytes"))
	require.NoError(t, err)

	select {
	case res := <-done:
		var slow *TooSlowError
		require.ErrorAs(t, res.err, &slow)
		assert.Equal(t, int64(1<<20), slow.MinSpeed)
		assert.Equal(t, int64(len("a few bytes")), res.status.Transferred)
	case <-time.After(3 * time.Second):
		t.Fatal("stalled transfer was not failed")
	}
}

func TestMinimumSpeedIgnoresWaitForPeer(t *testing.T) {
	opts := testOptions()
	opts.BufferSize = 64 * 1024
	opts.MinSpeedGrace = 50 * time.Millisecond
	opts.MinSpeedInterval = 20 * time.Millisecond

	conn := listenLocal(t)
	tr := NewRegistry().New(conn, opts)
	tr.SetSpeedLimits(4<<20, 0)
	done := make(chan result, 1)
	go func() {
		st, err := tr.ReceiveFile(context.Background(), Request{Path: filepath.Join(t.TempDir(), "late")}, nil)
		done <- result{st, err}
	}()

	// Counted from listen, 1 MiB over more than a second is far below the minimum.
	time.Sleep(time.Second)
	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	_, err = peer.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, peer.Close())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, int64(1<<20), res.status.Transferred)
		assert.Less(t, res.status.Elapsed, time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
}

func TestAbortWhileStreaming(t *testing.T) {
	reg := NewRegistry()
	conn := listenLocal(t)
	tr := reg.New(conn, testOptions())
	done := make(chan result, 1)
	go func() {
		st, err := tr.ReceiveFile(context.Background(), Request{Path: filepath.Join(t.TempDir(), "partial")}, nil)
		done <- result{st, err}
	}()

	peer, err := net.Dial("tcp", conn.Address())
	require.NoError(t, err)
	defer peer.Close()
	_, err = peer.Write(make([]byte, 5000))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Status().Transferred == 5000 }, 2*time.Second, 5*time.Millisecond)

	// The peer stays open, so the loop is blocked reading the socket.
	go tr.Abort("operator request")

	select {
	case res := <-done:
		var aborted *AbortedError
		require.ErrorAs(t, res.err, &aborted)
		assert.Equal(t, "operator request", aborted.Reason)
		assert.Equal(t, int64(5000), res.status.Transferred)
		assert.True(t, res.status.Finished)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not stop the running transfer")
	}
	assert.True(t, tr.IsFinished())
	assert.Equal(t, int64(5000), tr.Status().Transferred)
	assert.Zero(t, reg.Len())

	tr.Abort("again")
	reason, _ := tr.AbortReason()
	assert.Equal(t, "operator request", reason)
	assert.True(t, tr.IsFinished())
}

func TestDownloadTrailsActiveUpload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "growing.bin")
	reg := NewRegistry()

	upConn := listenLocal(t)
	up := reg.New(upConn, testOptions())
	upDone := make(chan error, 1)
	go func() {
		_, err := up.ReceiveFile(context.Background(), Request{Path: path, Key: "/Media/Growing.bin"}, nil)
		upDone <- err
	}()
	uploader, err := net.Dial("tcp", upConn.Address())
	require.NoError(t, err)
	_, err = uploader.Write([]byte("first half "))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0
	}, time.Second, 5*time.Millisecond)

	downConn := listenLocal(t)
	down := reg.New(downConn, testOptions())
	downDone := make(chan error, 1)
	go func() {
		_, err := down.SendFile(context.Background(), Request{Path: path, Key: "/media/growing.bin"}, nil)
		downDone <- err
	}()
	reader, err := net.Dial("tcp", downConn.Address())
	require.NoError(t, err)
	defer reader.Close()

	time.Sleep(50 * time.Millisecond)
	_, err = uploader.Write([]byte("second half"))
	require.NoError(t, err)
	require.NoError(t, uploader.Close())
	require.NoError(t, <-upDone)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, <-downDone)
	assert.Equal(t, "first half second half", string(got))
}

func TestConnectionIsSingleUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	conn := NewActiveConnection(ln.Addr().String(), ConnOptions{Timeout: time.Second})
	c, err := conn.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close()

	_, err = conn.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionSpent))
}

func TestRegistryIndexesAreMonotonic(t *testing.T) {
	reg := NewRegistry()
	a := reg.New(NewActiveConnection("127.0.0.1:1", ConnOptions{}), Options{})
	b := reg.New(NewActiveConnection("127.0.0.1:1", ConnOptions{}), Options{})
	assert.Less(t, int64(a.Index()), int64(b.Index()))

	got, ok := reg.Get(b.Index())
	require.True(t, ok)
	assert.Same(t, b, got)

	reg.AbortAll("shutdown")
	assert.True(t, a.IsFinished())
	assert.True(t, b.IsFinished())
	assert.Zero(t, reg.Len())

	idx, err := ParseIndex(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, Index(42), idx)
}
