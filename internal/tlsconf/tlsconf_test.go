package tlsconf

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabled(t *testing.T) {
	c := Disabled()
	assert.False(t, c.Enabled())
	assert.Nil(t, c.ServerConfig())
	assert.Nil(t, c.ClientConfig())

	var nilCtx *Context
	assert.False(t, nilCtx.Enabled())
}

func TestNewFromCertificate(t *testing.T) {
	cert, err := GenerateSelfSigned("test")
	require.NoError(t, err)

	c, err := NewFromCertificate(cert, []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"}, []string{"TLSv1.2"})
	require.NoError(t, err)
	require.True(t, c.Enabled())

	srv := c.ServerConfig()
	assert.Equal(t, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256}, srv.CipherSuites)
	assert.Equal(t, uint16(tls.VersionTLS12), srv.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS12), srv.MaxVersion)
	assert.True(t, c.ClientConfig().InsecureSkipVerify)
}

func TestNewFromCertificateRejectsUnknownNames(t *testing.T) {
	cert, err := GenerateSelfSigned("test")
	require.NoError(t, err)

	_, err = NewFromCertificate(cert, []string{"TLS_NOT_A_SUITE"}, nil)
	assert.Error(t, err)
	_, err = NewFromCertificate(cert, nil, []string{"SSLv3"})
	assert.Error(t, err)
}
