package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledClient(t *testing.T) {
	c := NewClient("")
	assert.False(t, c.Enabled())
	assert.Empty(t, c.PublicIP())
	_, err := c.QueryEndpoint()
	assert.Error(t, err)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	assert.Empty(t, nilClient.PublicIP())
}
