package transfer

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// budgetCap bounds how far an idle reader can bank allowance. It is large
// enough that the ceiling behaves as a cumulative average since creation.
const budgetCap = 1 << 30

// ThrottledReader caps the average rate, measured since creation, at which
// bytes are read from the wrapped source. A read that pushes the average over
// the ceiling blocks until it falls back under or Wake runs.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
	wake    context.CancelFunc
	read    atomic.Int64
	slept   atomic.Int64
}

// Throttle wraps r with a ceiling of maxBytesPerSec. A non-positive ceiling
// returns r unchanged and a nil limiter.
func Throttle(r io.Reader, maxBytesPerSec int64) (io.Reader, *ThrottledReader) {
	if maxBytesPerSec <= 0 {
		return r, nil
	}
	t := NewThrottledReader(r, maxBytesPerSec)
	return t, t
}

func NewThrottledReader(r io.Reader, maxBytesPerSec int64) *ThrottledReader {
	limiter := rate.NewLimiter(rate.Limit(maxBytesPerSec), budgetCap)
	// The bucket starts full; empty it so allowance accrues from now.
	limiter.AllowN(time.Now(), budgetCap)
	ctx, cancel := context.WithCancel(context.Background())
	return &ThrottledReader{
		r:       r,
		limiter: limiter,
		ctx:     ctx,
		wake:    cancel,
	}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	if len(p) > budgetCap {
		p = p[:budgetCap]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		t.read.Add(int64(n))
		start := time.Now()
		// A woken limiter stops waiting; the caller observes the abort on its next step.
		_ = t.limiter.WaitN(t.ctx, n)
		t.slept.Add(int64(time.Since(start)))
	}
	return n, err
}

// Wake releases a blocked reader and disables further throttling.
func (t *ThrottledReader) Wake() {
	t.wake()
}

func (t *ThrottledReader) BytesRead() int64 {
	return t.read.Load()
}

// Slept is the cumulative time spent blocked by the ceiling.
func (t *ThrottledReader) Slept() time.Duration {
	return time.Duration(t.slept.Load())
}
