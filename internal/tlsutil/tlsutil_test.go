package tlsutil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.ElementsMatch(t, aeadSuites, cfg.CipherSuites)

	// 返回副本，修改不影响下一次调用
	cfg.CipherSuites[0] = 0
	assert.Equal(t, aeadSuites[0], DefaultTLSConfig().CipherSuites[0])
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(3 * time.Second)
	assert.Equal(t, 3*time.Second, client.Timeout)

	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.Equal(t, 16, tr.MaxIdleConnsPerHost)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
