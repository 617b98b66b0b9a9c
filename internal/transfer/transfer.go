package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

type Direction int32

const (
	Unbound Direction = iota
	Upload
	Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// Options tune the transfer loop. Zero values fall back to DefaultOptions.
type Options struct {
	BufferSize        int
	UploadChecksums   bool
	DownloadChecksums bool
	MinSpeedGrace     time.Duration
	MinSpeedInterval  time.Duration
	StatusInterval    time.Duration
	TrailingRetry     time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferSize:        64 * 1024,
		UploadChecksums:   true,
		DownloadChecksums: true,
		MinSpeedGrace:     5 * time.Second,
		MinSpeedInterval:  5 * time.Second,
		StatusInterval:    time.Second,
		TrailingRetry:     500 * time.Millisecond,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = def.BufferSize
	}
	if o.MinSpeedGrace <= 0 {
		o.MinSpeedGrace = def.MinSpeedGrace
	}
	if o.MinSpeedInterval <= 0 {
		o.MinSpeedInterval = def.MinSpeedInterval
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = def.StatusInterval
	}
	if o.TrailingRetry <= 0 {
		o.TrailingRetry = def.TrailingRetry
	}
	return o
}

// Status is a point-in-time view of a transfer.
type Status struct {
	Direction   Direction
	Transferred int64
	Elapsed     time.Duration
	Checksum    uint32
	Finished    bool
}

// Speed is the average throughput in bytes per second.
func (s Status) Speed() int64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return int64(float64(s.Transferred) / s.Elapsed.Seconds())
}

// Request describes the file side of a transfer.
type Request struct {
	// Path is the local file.
	Path string
	// Key identifies the file across transfers; a download trails an
	// unfinished upload with the same key (case-insensitive).
	Key        string
	ASCII      bool
	Offset     int64
	SourceMask string
}

// StatusFunc receives intermediate status from the transfer loop goroutine.
type StatusFunc func(Status)

// Transfer moves one file over one Connection. A single goroutine runs
// SendFile or ReceiveFile; any goroutine may call Abort.
type Transfer struct {
	index    Index
	registry *Registry
	opts     Options
	conn     Connection

	mu       sync.Mutex
	sock     net.Conn
	file     *os.File
	throttle *ThrottledReader
	closed   bool

	direction   atomic.Int32
	key         atomic.Pointer[string]
	transferred atomic.Int64
	checksum    atomic.Uint32
	started     atomic.Int64
	finished    atomic.Int64
	abortReason atomic.Pointer[string]
	slow        atomic.Bool
	minSpeed    atomic.Int64
	maxSpeed    atomic.Int64

	abortCh    chan struct{}
	abortOnce  sync.Once
	removeOnce sync.Once
}

func newTransfer(index Index, conn Connection, opts Options, registry *Registry) *Transfer {
	return &Transfer{
		index:    index,
		registry: registry,
		opts:     opts.normalized(),
		conn:     conn,
		abortCh:  make(chan struct{}),
	}
}

func (t *Transfer) Index() Index {
	return t.index
}

func (t *Transfer) Direction() Direction {
	return Direction(t.direction.Load())
}

func (t *Transfer) Key() string {
	if k := t.key.Load(); k != nil {
		return *k
	}
	return ""
}

// Address reports the underlying connection endpoint.
func (t *Transfer) Address() string {
	return t.conn.Address()
}

// SetSpeedLimits applies the coordinator's bounds in bytes per second.
// Zero disables a bound. They take effect when the loop starts.
func (t *Transfer) SetSpeedLimits(minSpeed, maxSpeed int64) {
	t.minSpeed.Store(minSpeed)
	t.maxSpeed.Store(maxSpeed)
}

// IsFinished is true once the loop ended or an abort reason was recorded.
func (t *Transfer) IsFinished() bool {
	return t.finished.Load() != 0 || t.abortReason.Load() != nil
}

// AbortReason returns the first recorded reason, if any.
func (t *Transfer) AbortReason() (string, bool) {
	if r := t.abortReason.Load(); r != nil {
		return *r, true
	}
	return "", false
}

func (t *Transfer) Status() Status {
	var elapsed time.Duration
	if start := t.started.Load(); start != 0 {
		end := t.finished.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		elapsed = time.Duration(end - start)
	}
	return Status{
		Direction:   t.Direction(),
		Transferred: t.transferred.Load(),
		Elapsed:     elapsed,
		Checksum:    t.checksum.Load(),
		Finished:    t.IsFinished(),
	}
}

// Abort records reason (first caller wins) and closes whatever the transfer
// currently owns. Safe from any goroutine, any number of times.
func (t *Transfer) Abort(reason string) {
	if t.abortReason.CompareAndSwap(nil, &reason) {
		logger.Log.Info("Transfer aborted", "index", t.index.String(), "reason", reason)
	}
	t.abortOnce.Do(func() { close(t.abortCh) })
	t.closeResources()
	if t.Direction() == Unbound {
		t.unregister()
	}
}

// ReceiveFile accepts bytes from the peer into req.Path (an upload).
func (t *Transfer) ReceiveFile(ctx context.Context, req Request, onStatus StatusFunc) (Status, error) {
	return t.run(ctx, Upload, req, onStatus)
}

// SendFile streams req.Path to the peer (a download).
func (t *Transfer) SendFile(ctx context.Context, req Request, onStatus StatusFunc) (Status, error) {
	return t.run(ctx, Download, req, onStatus)
}

func (t *Transfer) run(ctx context.Context, dir Direction, req Request, onStatus StatusFunc) (Status, error) {
	if !t.direction.CompareAndSwap(int32(Unbound), int32(dir)) {
		return t.Status(), &FailedError{Err: fmt.Errorf("transfer %s is already bound to %s", t.index, t.Direction())}
	}
	key := req.Key
	t.key.Store(&key)
	defer t.finish()

	logger.Log.Info("Transfer started", "index", t.index.String(), "direction", dir.String(), "path", req.Path, "offset", req.Offset)
	err := t.stream(ctx, dir, req, onStatus)
	t.finish()
	status := t.Status()
	if err != nil {
		logger.Log.Info("Transfer failed", "index", t.index.String(), "bytes", status.Transferred, "err", err)
	} else {
		logger.Log.Info("Transfer completed", "index", t.index.String(), "bytes", status.Transferred,
			"elapsed", status.Elapsed.String(), "checksum", fmt.Sprintf("%08x", status.Checksum))
	}
	return status, err
}

func (t *Transfer) stream(ctx context.Context, dir Direction, req Request, onStatus StatusFunc) error {
	if err := t.abortErr(); err != nil {
		return err
	}
	sock, err := t.conn.Connect(ctx)
	if err != nil {
		if aerr := t.abortErr(); aerr != nil {
			return aerr
		}
		return &FailedError{Err: err}
	}
	if !t.adoptSocket(sock) {
		return t.abortErr()
	}
	// Speed and elapsed time count from here, not from the wait for the peer.
	t.started.Store(time.Now().UnixNano())
	if err := CheckSourceMask(sock.RemoteAddr(), req.SourceMask); err != nil {
		return err
	}

	var file *os.File
	if dir == Upload {
		file, err = openUpload(req.Path, req.Offset)
	} else {
		file, err = openDownload(req.Path, req.Offset)
	}
	if err != nil {
		if errors.Is(err, ErrFileExists) {
			return err
		}
		return &FailedError{Err: err}
	}
	if !t.adoptFile(file) {
		return t.abortErr()
	}

	// A resumed transfer only sees part of the file, so no checksum is kept.
	var crc hash.Hash32
	if req.Offset <= 0 && ((dir == Upload && t.opts.UploadChecksums) || (dir == Download && t.opts.DownloadChecksums)) {
		crc = crc32.NewIEEE()
	}

	var src io.Reader
	var dst io.Writer
	if dir == Upload {
		src = t.throttled(sock)
		if req.ASCII {
			src = asciiReader(src, Upload)
		}
		dst = file
		if crc != nil {
			dst = io.MultiWriter(file, crc)
		}
	} else {
		src = &trailingReader{t: t, r: file, key: req.Key}
		if crc != nil {
			src = io.TeeReader(src, crc)
		}
		src = t.throttled(src)
		if req.ASCII {
			src = asciiReader(src, Download)
		}
		dst = sock
	}

	stop := make(chan struct{})
	defer close(stop)
	if t.minSpeed.Load() > 0 {
		go t.watchSpeed(stop)
	}
	if err := t.copy(src, dst, crc, onStatus); err != nil {
		return err
	}
	if dir == Upload {
		if err := t.closeFile(); err != nil {
			return t.classify(err)
		}
	}
	if err := t.abortErr(); err != nil {
		return err
	}
	if t.slow.Load() {
		return t.slowErr()
	}
	return nil
}

func (t *Transfer) copy(src io.Reader, dst io.Writer, crc hash.Hash32, onStatus StatusFunc) error {
	buf := getBuffer(t.opts.BufferSize)
	defer putBuffer(buf)
	lastStatus := time.Now()
	for {
		if err := t.abortErr(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return t.classify(werr)
			}
			t.transferred.Add(int64(n))
			if crc != nil {
				t.checksum.Store(crc.Sum32())
			}
			if onStatus != nil && time.Since(lastStatus) >= t.opts.StatusInterval {
				lastStatus = time.Now()
				onStatus(t.Status())
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return t.classify(rerr)
		}
	}
}

// watchSpeed closes the transfer's resources once the average speed stays
// under the minimum after the grace window. The loop then fails as too slow.
func (t *Transfer) watchSpeed(stop <-chan struct{}) {
	grace := time.NewTimer(t.opts.MinSpeedGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-stop:
		return
	}
	ticker := time.NewTicker(t.opts.MinSpeedInterval)
	defer ticker.Stop()
	for {
		minSpeed := t.minSpeed.Load()
		if speed := t.Status().Speed(); minSpeed > 0 && speed < minSpeed {
			t.slow.Store(true)
			logger.Log.Warn("Transfer below minimum speed", "index", t.index.String(), "speed", speed, "min_speed", minSpeed)
			t.closeResources()
			return
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

func (t *Transfer) throttled(r io.Reader) io.Reader {
	wrapped, limiter := Throttle(r, t.maxSpeed.Load())
	if limiter == nil {
		return wrapped
	}
	t.mu.Lock()
	closed := t.closed
	t.throttle = limiter
	t.mu.Unlock()
	if closed {
		limiter.Wake()
	}
	return wrapped
}

func (t *Transfer) classify(err error) error {
	if aerr := t.abortErr(); aerr != nil {
		return aerr
	}
	if t.slow.Load() {
		return t.slowErr()
	}
	var ae *AbortedError
	if errors.As(err, &ae) {
		return err
	}
	return &FailedError{Err: err}
}

func (t *Transfer) abortErr() error {
	if r := t.abortReason.Load(); r != nil {
		return &AbortedError{Reason: *r}
	}
	return nil
}

func (t *Transfer) slowErr() error {
	return &TooSlowError{Speed: t.Status().Speed(), MinSpeed: t.minSpeed.Load()}
}

// wait sleeps for d unless the transfer is aborted first.
func (t *Transfer) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.abortCh:
		return false
	}
}

func (t *Transfer) adoptSocket(sock net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = sock.Close()
		return false
	}
	t.sock = sock
	return true
}

func (t *Transfer) adoptFile(f *os.File) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = f.Close()
		return false
	}
	t.file = f
	return true
}

func (t *Transfer) closeFile() error {
	t.mu.Lock()
	f := t.file
	t.file = nil
	t.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// closeResources closes each owned resource at most once; secondary errors are dropped.
func (t *Transfer) closeResources() {
	t.mu.Lock()
	sock, file, throttle := t.sock, t.file, t.throttle
	t.sock, t.file, t.throttle = nil, nil, nil
	t.closed = true
	t.mu.Unlock()

	t.conn.Abort()
	if throttle != nil {
		throttle.Wake()
	}
	if sock != nil {
		_ = sock.Close()
	}
	if file != nil {
		_ = file.Close()
	}
}

func (t *Transfer) finish() {
	t.finished.CompareAndSwap(0, time.Now().UnixNano())
	t.closeResources()
	t.unregister()
}

func (t *Transfer) unregister() {
	t.removeOnce.Do(func() {
		if t.registry != nil {
			t.registry.remove(t.index)
		}
	})
}

func openUpload(path string, offset int64) (*os.File, error) {
	if offset <= 0 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrFileExists
		}
		return f, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() < offset {
		_ = f.Close()
		return nil, fmt.Errorf("resume offset %d beyond file size %d", offset, info.Size())
	}
	if err := f.Truncate(offset); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func openDownload(path string, offset int64) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

// trailingReader keeps a download alive at EOF while an upload of the same
// file is still writing it.
type trailingReader struct {
	t   *Transfer
	r   io.Reader
	key string
}

func (tr *trailingReader) Read(p []byte) (int, error) {
	for {
		n, err := tr.r.Read(p)
		if err != io.EOF {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		if tr.t.registry == nil || tr.t.registry.ActiveUpload(tr.key, tr.t) == nil {
			// The upload may have flushed its last bytes after our read.
			return tr.r.Read(p)
		}
		if !tr.t.wait(tr.t.opts.TrailingRetry) {
			return 0, tr.t.abortErr()
		}
	}
}
