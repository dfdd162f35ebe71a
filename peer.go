package ploggy

import (
	"io"

	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/store"
	"github.com/mak2salazarjr/ploggy/transport"
)

// PeerRequest describes one outbound request to a friend's hidden
// service. Optional fields are nil/absent when unused.
type PeerRequest struct {
	Method          string
	Path            string
	Body            []byte
	QueryParameters map[string]string
	RangeOffset     *int64
	ResponseHandler func(io.Reader) error
	ResponseOutput  io.Writer
}

// PeerClient performs requests against friends. The default
// implementation wraps the transport connection pool; tests substitute
// fakes.
type PeerClient interface {
	Do(friend *store.Friend, request *PeerRequest) error
	Shutdown()
}

// HiddenService supervises the onion-routed transport. The default
// implementation wraps the Tor process.
type HiddenService interface {
	Start() error
	Stop()
	IsCircuitEstablished() bool
	SocksProxyPort() (int, error)
}

// NetworkMonitor answers the Wi-Fi-only download policy. The default
// always reports Wi-Fi, matching fixed-network deployments.
type NetworkMonitor interface {
	IsConnectedWifi() bool
}

type alwaysWifi struct{}

func (alwaysWifi) IsConnectedWifi() bool { return true }

// poolPeerClient is the production PeerClient on the transport pool.
type poolPeerClient struct {
	pool *transport.ConnectionPool
}

func newPoolPeerClient(keyMaterial identity.KeyMaterial, socksProxyPort int) PeerClient {
	return &poolPeerClient{pool: transport.NewConnectionPool(keyMaterial, socksProxyPort)}
}

func (c *poolPeerClient) Do(friend *store.Friend, request *PeerRequest) error {
	webRequest := transport.NewRequest(
		c.pool,
		friend.PublicIdentity.HiddenServiceHostname,
		friend.PublicIdentity.X509Certificate,
		request.Method,
		request.Path)
	if request.Body != nil {
		webRequest = webRequest.WithBody(request.Body)
	}
	for key, value := range request.QueryParameters {
		webRequest = webRequest.WithQueryParameter(key, value)
	}
	if request.RangeOffset != nil {
		webRequest = webRequest.WithRange(*request.RangeOffset)
	}
	if request.ResponseHandler != nil {
		webRequest = webRequest.WithResponseHandler(request.ResponseHandler)
	}
	if request.ResponseOutput != nil {
		webRequest = webRequest.WithResponseOutput(request.ResponseOutput)
	}
	return webRequest.Make()
}

func (c *poolPeerClient) Shutdown() {
	c.pool.Shutdown()
}
