package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_Defaults(t *testing.T) {
	client := NewDefaultHTTPClient()
	assert.Equal(t, 10*time.Minute, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, transport.ResponseHeaderTimeout)
	assert.Equal(t, 16, transport.MaxIdleConnsPerHost)
}

func TestNewHTTPClient_Overrides(t *testing.T) {
	client := NewHTTPClient(&ClientConfig{
		Timeout:               30 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
	})
	assert.Equal(t, 30*time.Second, client.Timeout)

	transport := client.Transport.(*http.Transport)
	assert.Equal(t, 20*time.Second, transport.ResponseHeaderTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, transport.TLSHandshakeTimeout)
}
