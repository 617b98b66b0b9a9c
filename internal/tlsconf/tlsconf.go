// Package tlsconf builds the agent's TLS configuration once at startup. Data
// connections receive it by reference instead of reaching for a global.
package tlsconf

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/config"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

// Context is immutable after construction. A nil or disabled Context means plain TCP only.
type Context struct {
	cert         *tls.Certificate
	cipherSuites []uint16
	minVersion   uint16
	maxVersion   uint16
}

// Disabled returns a Context that refuses encrypted transfers.
func Disabled() *Context {
	return &Context{}
}

// New loads the certificate named by the configuration, or generates a
// self-signed one when TLS_SELF_SIGNED is set. No material means TLS is disabled.
func New(cfg *config.Config) (*Context, error) {
	var cert tls.Certificate
	var err error
	switch {
	case cfg.TLSCert() != "" && cfg.TLSKey() != "":
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert(), cfg.TLSKey())
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	case cfg.TLSSelfSigned():
		cert, err = GenerateSelfSigned(cfg.AgentName())
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Log.Warn("Using generated self-signed certificate for data connections")
	default:
		logger.Log.Info("No TLS material configured, encrypted transfers disabled")
		return Disabled(), nil
	}
	return NewFromCertificate(cert, cfg.CipherSuites(), cfg.TLSProtocols())
}

// NewFromCertificate builds an enabled Context with an explicit negotiation set.
func NewFromCertificate(cert tls.Certificate, suites []string, protocols []string) (*Context, error) {
	ids, err := ParseCipherSuites(suites)
	if err != nil {
		return nil, err
	}
	minV, maxV, err := versionBounds(protocols)
	if err != nil {
		return nil, err
	}
	return &Context{
		cert:         &cert,
		cipherSuites: ids,
		minVersion:   minV,
		maxVersion:   maxV,
	}, nil
}

func (c *Context) Enabled() bool {
	return c != nil && c.cert != nil
}

// ServerConfig is used by whichever side plays the TLS server role.
func (c *Context) ServerConfig() *tls.Config {
	if !c.Enabled() {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*c.cert},
		CipherSuites: c.cipherSuites,
		MinVersion:   c.minVersion,
		MaxVersion:   c.maxVersion,
	}
}

// ClientConfig skips peer verification: data-connection peers are arranged by
// the coordinator and commonly present self-signed certificates.
func (c *Context) ClientConfig() *tls.Config {
	if !c.Enabled() {
		return nil
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{*c.cert},
		CipherSuites:       c.cipherSuites,
		MinVersion:         c.minVersion,
		MaxVersion:         c.maxVersion,
		InsecureSkipVerify: true,
	}
}

// ParseCipherSuites resolves IANA suite names. An empty list keeps Go's secure defaults.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func versionBounds(protocols []string) (uint16, uint16, error) {
	if len(protocols) == 0 {
		return tls.VersionTLS12, tls.VersionTLS13, nil
	}
	var minV, maxV uint16
	for _, p := range protocols {
		v, ok := config.TLSVersion(p)
		if !ok {
			return 0, 0, fmt.Errorf("unsupported TLS protocol %q", p)
		}
		if minV == 0 || v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return minV, maxV, nil
}

// GenerateSelfSigned creates a basic self-signed certificate for LAN deployments and tests.
func GenerateSelfSigned(org string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return tls.X509KeyPair(certPEM, privPEM)
}
