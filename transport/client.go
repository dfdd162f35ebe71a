package transport

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/protocol"
)

// requestTimeout bounds one peer request end to end. Onion circuits are
// slow to build, so this is generous.
const requestTimeout = 5 * time.Minute

// ConnectionPool hands out HTTP clients that dial friend onion
// services through the Tor SOCKS port with mutual TLS. One client is
// kept per friend hostname so connections are reused across requests.
type ConnectionPool struct {
	socksAddr   string
	keyMaterial identity.KeyMaterial

	mu      sync.Mutex
	clients map[string]*http.Client
	stopped bool
}

// NewConnectionPool creates a pool dialing through the given local
// SOCKS port.
func NewConnectionPool(keyMaterial identity.KeyMaterial, socksProxyPort int) *ConnectionPool {
	return &ConnectionPool{
		socksAddr:   fmt.Sprintf("127.0.0.1:%d", socksProxyPort),
		keyMaterial: keyMaterial,
		clients:     make(map[string]*http.Client),
	}
}

// Shutdown closes all idle connections and rejects further use.
func (p *ConnectionPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, client := range p.clients {
		client.CloseIdleConnections()
	}
	p.clients = make(map[string]*http.Client)
}

// client returns the pooled HTTP client for a friend, pinned to that
// friend's server certificate.
func (p *ConnectionPool) client(hostname, serverCertificate string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, fmt.Errorf("connection pool is shut down")
	}
	if client, ok := p.clients[hostname]; ok {
		return client, nil
	}

	clientCertificate, err := tls.X509KeyPair([]byte(p.keyMaterial.CertificatePEM), []byte(p.keyMaterial.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("loading client key material: %w", err)
	}
	expected := strings.TrimSpace(serverCertificate)
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{clientCertificate},
		MinVersion:   tls.VersionTLS12,
		// Onion hostnames are self-certifying; trust is pinned to the
		// friend's exact certificate instead of a CA chain.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || CertificatePEM(rawCerts[0]) != expected {
				return ErrUnknownPeer
			}
			return nil
		},
	}

	socksAddr := p.socksAddr
	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		DisableKeepAlives: false,
		MaxIdleConnsPerHost: 2,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
			}
			return dialer.Dial(network, addr)
		},
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
	p.clients[hostname] = client
	return client, nil
}

// Request builds and performs one peer request. Optional parts are set
// with the chainable With methods before calling Make.
type Request struct {
	pool              *ConnectionPool
	hostname          string
	serverCertificate string
	method            string
	path              string
	body              []byte
	query             url.Values
	rangeOffset       int64
	hasRange          bool
	responseHandler   func(io.Reader) error
	responseOutput    io.Writer
}

// NewRequest starts a request toward a friend's hidden service.
func NewRequest(pool *ConnectionPool, hostname, serverCertificate, method, path string) *Request {
	return &Request{
		pool:              pool,
		hostname:          hostname,
		serverCertificate: serverCertificate,
		method:            method,
		path:              path,
		query:             url.Values{},
	}
}

// WithBody sets the request body.
func (r *Request) WithBody(body []byte) *Request {
	r.body = body
	return r
}

// WithQueryParameter adds a query parameter.
func (r *Request) WithQueryParameter(key, value string) *Request {
	r.query.Set(key, value)
	return r
}

// WithRange requests bytes from offset to the end of the resource.
func (r *Request) WithRange(offset int64) *Request {
	r.rangeOffset = offset
	r.hasRange = true
	return r
}

// WithResponseHandler streams the response body through handler.
func (r *Request) WithResponseHandler(handler func(io.Reader) error) *Request {
	r.responseHandler = handler
	return r
}

// WithResponseOutput streams the response body into output.
func (r *Request) WithResponseOutput(output io.Writer) *Request {
	r.responseOutput = output
	return r
}

// Make performs the request and consumes the response.
func (r *Request) Make() error {
	client, err := r.pool.client(r.hostname, r.serverCertificate)
	if err != nil {
		return err
	}

	requestURL := url.URL{
		Scheme:   "https",
		Host:     fmt.Sprintf("%s:%d", r.hostname, protocol.WebServerVirtualPort),
		Path:     r.path,
		RawQuery: r.query.Encode(),
	}
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	request, err := http.NewRequest(r.method, requestURL.String(), body)
	if err != nil {
		return err
	}
	if r.hasRange {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.rangeOffset))
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", r.method, r.path, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("request %s %s: status %d", r.method, r.path, response.StatusCode)
	}

	switch {
	case r.responseHandler != nil:
		return r.responseHandler(response.Body)
	case r.responseOutput != nil:
		written, err := io.Copy(r.responseOutput, response.Body)
		if err != nil {
			return fmt.Errorf("streaming response body: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Make",
			"path":     r.path,
			"bytes":    written,
		}).Debug("Response body streamed")
		return nil
	default:
		_, err := io.Copy(io.Discard, response.Body)
		return err
	}
}
