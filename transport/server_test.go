package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/protocol"
)

// recordingHandler captures handler invocations for assertions.
type recordingHandler struct {
	mu            sync.Mutex
	askPulls      []string
	pushBodies    []string
	downloadRange Range
	rejectAskLoc  bool
	downloadBody  string
	unavailable   bool
}

func (h *recordingHandler) GetFriendNicknameByCertificate(certificate string) (string, error) {
	return "peer", nil
}

func (h *recordingHandler) UpdateFriendSent(string, time.Time, int64) error     { return nil }
func (h *recordingHandler) UpdateFriendReceived(string, time.Time, int64) error { return nil }

func (h *recordingHandler) HandleAskPullRequest(certificate string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.askPulls = append(h.askPulls, certificate)
	return nil
}

func (h *recordingHandler) HandleAskLocationRequest(certificate string) error {
	if h.rejectAskLoc {
		return fmt.Errorf("not sharing")
	}
	return nil
}

func (h *recordingHandler) HandlePushRequest(certificate string, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushBodies = append(h.pushBodies, string(raw))
	return nil
}

func (h *recordingHandler) HandlePullRequest(certificate string, body io.Reader) (*PullResponse, error) {
	if _, err := io.ReadAll(body); err != nil {
		return nil, err
	}
	return &PullResponse{Body: io.NopCloser(strings.NewReader(`{"type":"location","object":{"timestamp":"2024-01-01T00:00:00Z","latitude":1,"longitude":2,"streetAddress":""}}`))}, nil
}

func (h *recordingHandler) HandleDownloadRequest(certificate string, resourceID string, byteRange Range) (*DownloadResponse, error) {
	h.mu.Lock()
	h.downloadRange = byteRange
	unavailable := h.unavailable
	body := h.downloadBody
	h.mu.Unlock()
	if unavailable {
		return &DownloadResponse{Available: false}, nil
	}
	return &DownloadResponse{
		Available: true,
		MimeType:  "application/octet-stream",
		Body:      io.NopCloser(strings.NewReader(body)),
	}, nil
}

func startTestServer(t *testing.T, handler RequestHandler, friendMaterials ...identity.KeyMaterial) (*Server, identity.KeyMaterial) {
	t.Helper()
	serverMaterial := generateKeyMaterial(t, "self")
	certificates := make([]string, len(friendMaterials))
	for i, material := range friendMaterials {
		certificates[i] = certificateString(t, material)
	}
	server := NewServer(handler, directExecutor{}, serverMaterial, certificates)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server, serverMaterial
}

func clientFor(t *testing.T, material identity.KeyMaterial) *http.Client {
	t.Helper()
	certificate, err := tls.X509KeyPair([]byte(material.CertificatePEM), []byte(material.PrivateKeyPEM))
	require.NoError(t, err)
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates:       []tls.Certificate{certificate},
				InsecureSkipVerify: true,
			},
		},
	}
}

func TestServerAcceptsFriendAndRoutes(t *testing.T) {
	handler := &recordingHandler{}
	friendMaterial := generateKeyMaterial(t, "friend")
	server, _ := startTestServer(t, handler, friendMaterial)
	client := clientFor(t, friendMaterial)
	base := fmt.Sprintf("https://127.0.0.1:%d", server.ListeningPort())

	response, err := client.Get(base + protocol.AskPullPath)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Len(t, handler.askPulls, 1)
	require.Equal(t, certificateString(t, friendMaterial), handler.askPulls[0])
}

func TestServerRejectsStranger(t *testing.T) {
	handler := &recordingHandler{}
	friendMaterial := generateKeyMaterial(t, "friend")
	strangerMaterial := generateKeyMaterial(t, "stranger")
	server, _ := startTestServer(t, handler, friendMaterial)
	client := clientFor(t, strangerMaterial)

	_, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d%s", server.ListeningPort(), protocol.AskPullPath))
	require.Error(t, err, "TLS handshake with an unknown client certificate must fail")
	require.Empty(t, handler.askPulls)
}

func TestServerPushBodyReachesHandler(t *testing.T) {
	handler := &recordingHandler{}
	friendMaterial := generateKeyMaterial(t, "friend")
	server, _ := startTestServer(t, handler, friendMaterial)
	client := clientFor(t, friendMaterial)

	body := `{"type":"location","object":{"timestamp":"2024-01-01T00:00:00Z","latitude":1,"longitude":2,"streetAddress":""}}`
	request, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("https://127.0.0.1:%d%s", server.ListeningPort(), protocol.PushPath),
		strings.NewReader(body))
	require.NoError(t, err)
	response, err := client.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Len(t, handler.pushBodies, 1)
	require.Equal(t, body, handler.pushBodies[0])
}

func TestServerAskLocationRejection(t *testing.T) {
	handler := &recordingHandler{rejectAskLoc: true}
	friendMaterial := generateKeyMaterial(t, "friend")
	server, _ := startTestServer(t, handler, friendMaterial)
	client := clientFor(t, friendMaterial)

	response, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d%s", server.ListeningPort(), protocol.AskLocationPath))
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusForbidden, response.StatusCode)
}

func TestServerDownloadRangeAndBody(t *testing.T) {
	handler := &recordingHandler{downloadBody: "tail-bytes"}
	friendMaterial := generateKeyMaterial(t, "friend")
	server, _ := startTestServer(t, handler, friendMaterial)
	client := clientFor(t, friendMaterial)

	request, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("https://127.0.0.1:%d%s?%s=r1", server.ListeningPort(), protocol.DownloadPath, protocol.DownloadResourceIDParameter),
		nil)
	require.NoError(t, err)
	request.Header.Set("Range", "bytes=600000-")
	response, err := client.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusPartialContent, response.StatusCode)
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, "tail-bytes", string(raw))
	require.Equal(t, Range{Offset: 600000, Length: -1}, handler.downloadRange)
}

func TestServerDownloadUnavailable(t *testing.T) {
	handler := &recordingHandler{unavailable: true}
	friendMaterial := generateKeyMaterial(t, "friend")
	server, _ := startTestServer(t, handler, friendMaterial)
	client := clientFor(t, friendMaterial)

	response, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d%s?%s=r1",
		server.ListeningPort(), protocol.DownloadPath, protocol.DownloadResourceIDParameter))
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)
}

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		header  string
		want    Range
		wantErr bool
	}{
		{"", Range{Offset: 0, Length: -1}, false},
		{"bytes=0-", Range{Offset: 0, Length: -1}, false},
		{"bytes=600000-", Range{Offset: 600000, Length: -1}, false},
		{"bytes=10-19", Range{Offset: 10, Length: 10}, false},
		{"bytes=-500", Range{}, true},
		{"items=1-2", Range{}, true},
		{"bytes=20-10", Range{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.header, func(t *testing.T) {
			got, err := parseRangeHeader(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tc.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("parseRangeHeader(%q) = %+v, want %+v", tc.header, got, tc.want)
			}
		})
	}
}
