package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/idcommands"
	"github.com/joho/godotenv"
)

// Config holds agent configuration. Fields are unexported to prevent modification.
type Config struct {
	agentID            string
	agentName          string
	masterServerConn   string
	serviceName        string
	serviceDisplayName string
	serviceDescription string
	heartbeatTimer     time.Duration
	binaryPath         string
	logFile            string
	logLevel           string

	roots            []string
	bindAddress      string
	pasvAddress      string
	portRange        PortRange
	bufferSize       int
	socketBufferSize int
	connectTimeout   time.Duration
	acceptTimeout    time.Duration
	uploadChecksums  bool
	downloadChecksum bool
	minSpeedGrace    time.Duration
	minSpeedInterval time.Duration
	statusInterval   time.Duration
	trailingRetry    time.Duration

	tlsCert       string
	tlsKey        string
	tlsSelfSigned bool
	cipherSuites  []string
	tlsProtocols  []string

	stunServer         string
	watchRoots         bool
	queueRetryInterval time.Duration
	remergePausePoll   time.Duration
	inodeOwner         string
	inodeGroup         string
	extensions         []string
}

// EnvKeys lists every variable New reads.
var EnvKeys = []string{
	"MASTER_URL", "AGENT_NAME", "SERVICE_NAME", "SERVICE_DISPLAY_NAME", "SERVICE_DESCRIPTION",
	"HEARTBEAT_TIMER", "LOG_FILE", "LOG_LEVEL",
	"ROOTS", "BIND_ADDRESS", "PASV_ADDRESS", "PORT_RANGE", "BUFFER_SIZE", "SOCKET_BUFFER_SIZE",
	"CONNECT_TIMEOUT", "ACCEPT_TIMEOUT", "UPLOAD_CHECKSUMS", "DOWNLOAD_CHECKSUMS",
	"MIN_SPEED_GRACE", "MIN_SPEED_INTERVAL", "STATUS_INTERVAL", "TRAILING_RETRY",
	"TLS_CERT", "TLS_KEY", "TLS_SELF_SIGNED", "TLS_CIPHER_SUITES", "TLS_PROTOCOLS",
	"STUN_SERVER", "WATCH_ROOTS", "QUEUE_RETRY_INTERVAL", "REMERGE_PAUSE_POLL",
	"INODE_OWNER", "INODE_GROUP", "EXTENSIONS",
}

// PortRange bounds the ports passive connections may bind. A zero range means ephemeral.
type PortRange struct {
	Low  int
	High int
}

func (r PortRange) IsZero() bool {
	return r.Low == 0 && r.High == 0
}

func defaultBinaryPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(
			os.Getenv("ProgramFiles"),
			"StorageAgent",
			"agent.exe",
		)
	case "darwin", "linux":
		return "/usr/local/bin/storage-agent"
	default:
		return ""
	}
}

func New() *Config {
	_ = godotenv.Load() // ignore error if .env not found

	hostname, _ := os.Hostname()
	cfg := &Config{
		agentID:            idcommands.GenerateAgentID(),
		agentName:          envString("AGENT_NAME", hostname),
		masterServerConn:   os.Getenv("MASTER_URL"),
		serviceName:        envString("SERVICE_NAME", "StorageAgent"),
		serviceDisplayName: envString("SERVICE_DISPLAY_NAME", "Storage Agent"),
		serviceDescription: envString("SERVICE_DESCRIPTION", "File serving agent that executes transfer and remerge commands from the coordinator"),
		heartbeatTimer:     envDuration("HEARTBEAT_TIMER", 10*time.Second),
		logFile:            envString("LOG_FILE", "agent.log"),
		logLevel:           envString("LOG_LEVEL", "info"),

		roots:            splitRoots(os.Getenv("ROOTS")),
		bindAddress:      os.Getenv("BIND_ADDRESS"),
		pasvAddress:      os.Getenv("PASV_ADDRESS"),
		bufferSize:       envInt("BUFFER_SIZE", 64*1024),
		socketBufferSize: envInt("SOCKET_BUFFER_SIZE", 0),
		connectTimeout:   envDuration("CONNECT_TIMEOUT", 10*time.Second),
		acceptTimeout:    envDuration("ACCEPT_TIMEOUT", 60*time.Second),
		uploadChecksums:  envBool("UPLOAD_CHECKSUMS", true),
		downloadChecksum: envBool("DOWNLOAD_CHECKSUMS", true),
		minSpeedGrace:    envDuration("MIN_SPEED_GRACE", 5*time.Second),
		minSpeedInterval: envDuration("MIN_SPEED_INTERVAL", 5*time.Second),
		statusInterval:   envDuration("STATUS_INTERVAL", time.Second),
		trailingRetry:    envDuration("TRAILING_RETRY", 500*time.Millisecond),

		tlsCert:       os.Getenv("TLS_CERT"),
		tlsKey:        os.Getenv("TLS_KEY"),
		tlsSelfSigned: envBool("TLS_SELF_SIGNED", false),
		cipherSuites:  splitList(os.Getenv("TLS_CIPHER_SUITES")),
		tlsProtocols:  splitList(envString("TLS_PROTOCOLS", "TLSv1.2,TLSv1.3")),

		stunServer:         os.Getenv("STUN_SERVER"),
		watchRoots:         envBool("WATCH_ROOTS", true),
		queueRetryInterval: envDuration("QUEUE_RETRY_INTERVAL", 30*time.Second),
		remergePausePoll:   envDuration("REMERGE_PAUSE_POLL", time.Second),
		inodeOwner:         envString("INODE_OWNER", "drftpd"),
		inodeGroup:         envString("INODE_GROUP", "drftpd"),
		extensions:         splitList(envString("EXTENSIONS", "Basic,Remerge")),
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 64 * 1024
	}
	pr, err := ParsePortRange(os.Getenv("PORT_RANGE"))
	if err == nil {
		cfg.portRange = pr
	}
	cfg.binaryPath = defaultBinaryPath()
	return cfg
}

// ParsePortRange parses "lo-hi". An empty string yields the zero range.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return PortRange{}, fmt.Errorf("port range %q: expected lo-hi", s)
	}
	low, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", s, err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", s, err)
	}
	if low < 1 || high > 65535 || low > high {
		return PortRange{}, fmt.Errorf("port range %q out of bounds", s)
	}
	return PortRange{Low: low, High: high}, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// envDuration accepts Go durations ("750ms") or plain seconds ("10").
func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitRoots(s string) []string {
	var out []string
	for _, part := range filepath.SplitList(s) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, filepath.Clean(part))
		}
	}
	return out
}

// Getter methods (immutable from outside)

// ServiceEnvironment returns KEY=VALUE pairs for the variables set in this
// process, so an installed service runs with the same configuration even
// without the .env file. Relative paths are made absolute.
func (c *Config) ServiceEnvironment() []string {
	var env []string
	for _, key := range EnvKeys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		switch key {
		case "ROOTS":
			v = strings.Join(absPaths(c.roots), string(os.PathListSeparator))
		case "LOG_FILE", "TLS_CERT", "TLS_KEY":
			v = absPath(v)
		}
		env = append(env, key+"="+v)
	}
	return env
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func absPaths(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = absPath(p)
	}
	return out
}

func (c *Config) AgentID() string {
	return c.agentID
}

func (c *Config) AgentName() string {
	return c.agentName
}

func (c *Config) MasterServerConn() string {
	return c.masterServerConn
}

func (c *Config) ServiceName() string {
	return c.serviceName
}

func (c *Config) ServiceDisplayName() string {
	return c.serviceDisplayName
}

func (c *Config) ServiceDescription() string {
	return c.serviceDescription
}

func (c *Config) HeartbeatTimer() time.Duration {
	return c.heartbeatTimer
}

func (c *Config) BinaryPath() string {
	return c.binaryPath
}

func (c *Config) LogFile() string {
	return c.logFile
}

func (c *Config) LogLevel() string {
	return c.logLevel
}

// Roots returns a copy of the configured local roots.
func (c *Config) Roots() []string {
	return append([]string(nil), c.roots...)
}

func (c *Config) BindAddress() string {
	return c.bindAddress
}

func (c *Config) PasvAddress() string {
	return c.pasvAddress
}

func (c *Config) PortRange() PortRange {
	return c.portRange
}

func (c *Config) BufferSize() int {
	return c.bufferSize
}

func (c *Config) SocketBufferSize() int {
	return c.socketBufferSize
}

func (c *Config) ConnectTimeout() time.Duration {
	return c.connectTimeout
}

func (c *Config) AcceptTimeout() time.Duration {
	return c.acceptTimeout
}

func (c *Config) UploadChecksums() bool {
	return c.uploadChecksums
}

func (c *Config) DownloadChecksums() bool {
	return c.downloadChecksum
}

func (c *Config) MinSpeedGrace() time.Duration {
	return c.minSpeedGrace
}

func (c *Config) MinSpeedInterval() time.Duration {
	return c.minSpeedInterval
}

func (c *Config) StatusInterval() time.Duration {
	return c.statusInterval
}

func (c *Config) TrailingRetry() time.Duration {
	return c.trailingRetry
}

func (c *Config) TLSCert() string {
	return c.tlsCert
}

func (c *Config) TLSKey() string {
	return c.tlsKey
}

func (c *Config) TLSSelfSigned() bool {
	return c.tlsSelfSigned
}

func (c *Config) CipherSuites() []string {
	return append([]string(nil), c.cipherSuites...)
}

func (c *Config) TLSProtocols() []string {
	return append([]string(nil), c.tlsProtocols...)
}

func (c *Config) StunServerAddr() string {
	return c.stunServer
}

func (c *Config) WatchRoots() bool {
	return c.watchRoots
}

func (c *Config) QueueRetryInterval() time.Duration {
	return c.queueRetryInterval
}

func (c *Config) RemergePausePoll() time.Duration {
	return c.remergePausePoll
}

func (c *Config) InodeOwner() string {
	return c.inodeOwner
}

func (c *Config) InodeGroup() string {
	return c.inodeGroup
}

func (c *Config) Extensions() []string {
	return append([]string(nil), c.extensions...)
}

// MaxPathLength reports the longest local path the host filesystem accepts.
func (c *Config) MaxPathLength() int {
	if runtime.GOOS == "windows" {
		return 260
	}
	return 4096
}

// TLSVersion maps a protocol name such as "TLSv1.2" to its crypto/tls constant.
func TLSVersion(name string) (uint16, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TLSV1.2", "TLS1.2":
		return tls.VersionTLS12, true
	case "TLSV1.3", "TLS1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}
