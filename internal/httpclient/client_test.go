package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_Defaults(t *testing.T) {
	client := NewHTTPClient(ClientConfig{})
	assert.Equal(t, 120*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 100, transport.MaxIdleConnsPerHost)
	assert.Equal(t, 10*time.Second, transport.TLSHandshakeTimeout)
}

func TestNewHTTPClient_Overrides(t *testing.T) {
	client := NewHTTPClient(ClientConfig{
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 30 * time.Second,
	})
	assert.Equal(t, 30*time.Second, client.Timeout)
}
