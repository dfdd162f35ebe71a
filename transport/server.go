// Package transport carries peer traffic: a mutual-TLS HTTPS server
// published as an onion service, a client connection pool that dials
// friends through the Tor SOCKS port, and the Tor process wrapper.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/protocol"
)

// ErrUnknownPeer indicates a request from a certificate that does not
// belong to any friend.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Range describes the byte range of a download request. A Length of -1
// means "to the end of the resource".
type Range struct {
	Offset int64
	Length int64
}

// PullResponse is a streaming response to a pull request.
type PullResponse struct {
	Body io.ReadCloser
}

// DownloadResponse answers a download request. Available false means
// the peer declined without a body (for example the Wi-Fi-only gate).
type DownloadResponse struct {
	Available bool
	MimeType  string
	Body      io.ReadCloser
}

// RequestHandler is the engine-side contract the server delegates
// incoming peer requests to. The certificate argument is the PEM
// encoding of the peer's client certificate.
type RequestHandler interface {
	GetFriendNicknameByCertificate(certificate string) (string, error)
	UpdateFriendSent(certificate string, timestamp time.Time, additionalBytes int64) error
	UpdateFriendReceived(certificate string, timestamp time.Time, additionalBytes int64) error
	HandleAskPullRequest(certificate string) error
	HandleAskLocationRequest(certificate string) error
	HandlePushRequest(certificate string, body io.Reader) error
	HandlePullRequest(certificate string, body io.Reader) (*PullResponse, error)
	HandleDownloadRequest(certificate string, resourceID string, byteRange Range) (*DownloadResponse, error)
}

// RequestExecutor runs peer request work on the engine's peer-request
// pool, so a flood of peer traffic cannot starve local tasks. Submit
// reports false when the pool is stopped.
type RequestExecutor interface {
	SubmitPeerRequest(task func()) bool
}

// Server is the mutual-TLS HTTPS server friends reach through the
// local onion service. It binds a loopback port; the onion service
// maps the virtual port onto it.
type Server struct {
	handler     RequestHandler
	executor    RequestExecutor
	keyMaterial identity.KeyMaterial
	accepted    map[string]bool

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer creates a server accepting exactly the given friend
// certificates (PEM strings).
func NewServer(handler RequestHandler, executor RequestExecutor, keyMaterial identity.KeyMaterial, friendCertificates []string) *Server {
	accepted := make(map[string]bool, len(friendCertificates))
	for _, certificate := range friendCertificates {
		accepted[strings.TrimSpace(certificate)] = true
	}
	return &Server{
		handler:     handler,
		executor:    executor,
		keyMaterial: keyMaterial,
		accepted:    accepted,
	}
}

// Start binds a loopback listener and begins serving.
func (s *Server) Start() error {
	certificate, err := tls.X509KeyPair([]byte(s.keyMaterial.CertificatePEM), []byte(s.keyMaterial.PrivateKeyPEM))
	if err != nil {
		return fmt.Errorf("loading server key material: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrUnknownPeer
			}
			if !s.accepted[CertificatePEM(rawCerts[0])] {
				return ErrUnknownPeer
			}
			return nil
		},
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding server listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.AskPullPath, s.serveAskPull)
	mux.HandleFunc(protocol.AskLocationPath, s.serveAskLocation)
	mux.HandleFunc(protocol.PushPath, s.servePush)
	mux.HandleFunc(protocol.PullPath, s.servePull)
	mux.HandleFunc(protocol.DownloadPath, s.serveDownload)

	server := &http.Server{
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		err := server.Serve(tls.NewListener(listener, tlsConfig))
		if err != nil && err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Error("Server terminated")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     s.ListeningPort(),
	}).Info("Peer server started")
	return nil
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server != nil {
		server.Close()
	}
}

// ListeningPort returns the bound loopback port, or zero when stopped.
func (s *Server) ListeningPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// CertificatePEM renders a raw DER certificate as the PEM string used
// as the peer's identity key throughout the system.
func CertificatePEM(der []byte) string {
	return strings.TrimSpace(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
}

func (s *Server) peerCertificate(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", ErrUnknownPeer
	}
	return CertificatePEM(r.TLS.PeerCertificates[0].Raw), nil
}

// serve runs work on the peer-request pool and waits for it to finish,
// so the response is complete before the connection is released.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, work func(certificate string)) {
	certificate, err := s.peerCertificate(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if nickname, err := s.handler.GetFriendNicknameByCertificate(certificate); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"friend":   nickname,
			"path":     r.URL.Path,
		}).Debug("Peer request")
	}
	done := make(chan struct{})
	submitted := s.executor.SubmitPeerRequest(func() {
		defer close(done)
		work(certificate)
	})
	if !submitted {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	<-done
}

func (s *Server) serveAskPull(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(certificate string) {
		if err := s.handler.HandleAskPullRequest(certificate); err != nil {
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		s.noteReceived(certificate, 0)
	})
}

func (s *Server) serveAskLocation(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(certificate string) {
		if err := s.handler.HandleAskLocationRequest(certificate); err != nil {
			http.Error(w, "not available", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		s.noteReceived(certificate, 0)
	})
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(certificate string) {
		body := &countingReader{reader: r.Body}
		if err := s.handler.HandlePushRequest(certificate, body); err != nil {
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		s.noteReceived(certificate, body.count)
	})
}

func (s *Server) servePull(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(certificate string) {
		body := &countingReader{reader: r.Body}
		response, err := s.handler.HandlePullRequest(certificate, body)
		if err != nil {
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		defer response.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		sent, err := io.Copy(w, response.Body)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "servePull",
				"error":    err.Error(),
			}).Warn("Pull response stream interrupted")
		}
		s.noteReceived(certificate, body.count)
		s.noteSent(certificate, sent)
	})
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(certificate string) {
		resourceID := r.URL.Query().Get(protocol.DownloadResourceIDParameter)
		if resourceID == "" {
			http.Error(w, "missing resource id", http.StatusBadRequest)
			return
		}
		byteRange, err := parseRangeHeader(r.Header.Get("Range"))
		if err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		response, err := s.handler.HandleDownloadRequest(certificate, resourceID, byteRange)
		if err != nil {
			http.Error(w, "error", http.StatusNotFound)
			return
		}
		if !response.Available {
			http.Error(w, "not available", http.StatusServiceUnavailable)
			return
		}
		defer response.Body.Close()
		w.Header().Set("Content-Type", response.MimeType)
		w.WriteHeader(http.StatusPartialContent)
		sent, err := io.Copy(w, response.Body)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveDownload",
				"resource": resourceID,
				"error":    err.Error(),
			}).Warn("Download stream interrupted")
		}
		s.noteSent(certificate, sent)
	})
}

func (s *Server) noteSent(certificate string, bytes int64) {
	if err := s.handler.UpdateFriendSent(certificate, time.Now(), bytes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "noteSent",
			"error":    err.Error(),
		}).Warn("Failed to record sent bytes")
	}
}

func (s *Server) noteReceived(certificate string, bytes int64) {
	if err := s.handler.UpdateFriendReceived(certificate, time.Now(), bytes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "noteReceived",
			"error":    err.Error(),
		}).Warn("Failed to record received bytes")
	}
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.count += int64(n)
	return n, err
}

// parseRangeHeader parses "bytes=offset-" and "bytes=offset-end"
// headers. An absent header means the whole resource.
func parseRangeHeader(header string) (Range, error) {
	if header == "" {
		return Range{Offset: 0, Length: -1}, nil
	}
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return Range{}, fmt.Errorf("unsupported range %q", header)
	}
	start, end, ok := strings.Cut(value, "-")
	if !ok {
		return Range{}, fmt.Errorf("unsupported range %q", header)
	}
	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 {
		return Range{}, fmt.Errorf("unsupported range %q", header)
	}
	if end == "" {
		return Range{Offset: offset, Length: -1}, nil
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < offset {
		return Range{}, fmt.Errorf("unsupported range %q", header)
	}
	return Range{Offset: offset, Length: last - offset + 1}, nil
}
