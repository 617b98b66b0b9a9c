package transfer

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestASCIIConversion(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		in   string
		want string
	}{
		{"download expands bare LF", Download, "a\nb\n", "a\r\nb\r\n"},
		{"download keeps CRLF", Download, "a\r\nb", "a\r\nb"},
		{"upload strips CR before LF", Upload, "a\r\nb\r\n", "a\nb\n"},
		{"upload keeps lone CR", Upload, "a\rb\r", "a\rb\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(asciiReader(strings.NewReader(tt.in), tt.dir))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestThrottleCapsRate(t *testing.T) {
	src := bytes.NewReader(make([]byte, 3000))
	r, limiter := Throttle(src, 2000)
	require.NotNil(t, limiter)

	start := time.Now()
	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), n)
	assert.Equal(t, int64(3000), limiter.BytesRead())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Greater(t, limiter.Slept(), time.Duration(0))
}

func TestThrottleLetsIdleReaderCatchUp(t *testing.T) {
	_, limiter := Throttle(bytes.NewReader(make([]byte, 1500)), 1000)
	require.NotNil(t, limiter)

	// Idle for 1.6s: the average allows 1600 bytes, more than one second's worth.
	time.Sleep(1600 * time.Millisecond)
	start := time.Now()
	buf := make([]byte, 1500)
	n, err := limiter.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestThrottleDisabled(t *testing.T) {
	src := strings.NewReader("x")
	r, limiter := Throttle(src, 0)
	assert.Nil(t, limiter)
	assert.Same(t, src, r)
}

func TestThrottleWake(t *testing.T) {
	_, limiter := Throttle(bytes.NewReader(make([]byte, 10)), 1)
	limiter.Wake()
	start := time.Now()
	_, err := io.Copy(io.Discard, limiter)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckSourceMask(t *testing.T) {
	remote := &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 4000}
	tests := []struct {
		mask    string
		allowed bool
	}{
		{"", true},
		{"*", true},
		{"192.168.0.0/16", true},
		{"10.0.0.0/8", false},
		{"192.168.1.20", true},
		{"192.168.1.21", false},
		{"192.168.1.*", true},
		{"192.168.2.*", false},
	}
	for _, tt := range tests {
		t.Run(tt.mask, func(t *testing.T) {
			err := CheckSourceMask(remote, tt.mask)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				var denied *DeniedError
				assert.ErrorAs(t, err, &denied)
			}
		})
	}
}
