package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// aeadSuites are the TLS 1.2 suites allowed. TLS 1.3 suites are not
// configurable and are always AEAD.
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// DefaultTLSConfig returns TLS 1.2+ with AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	suites := make([]uint16, len(aeadSuites))
	copy(suites, aeadSuites)
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: suites,
	}
}

// SecureTransport returns a transport for the training backend client.
// The backend is a single host, so idle connections are kept per host.
func SecureTransport() *http.Transport {
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// SecureHTTPClient returns an http.Client using SecureTransport.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(),
	}
}
