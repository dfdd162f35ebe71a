package ploggy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mak2salazarjr/ploggy/events"
	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/prefs"
	"github.com/mak2salazarjr/ploggy/protocol"
	"github.com/mak2salazarjr/ploggy/resources"
	"github.com/mak2salazarjr/ploggy/store"
	"github.com/mak2salazarjr/ploggy/transport"
)

// generateKeyMaterial creates the self-signed certificate pair the
// engine's server needs to start.
func generateKeyMaterial(t *testing.T, commonName string) identity.KeyMaterial {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("Marshalling key: %v", err)
	}
	return identity.KeyMaterial{
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		PrivateKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}
}

// fakeHiddenService is a controllable HiddenService.
type fakeHiddenService struct {
	mu          sync.Mutex
	established bool
	stopped     bool
	onCircuit   func()
}

func (f *fakeHiddenService) Start() error { return nil }

func (f *fakeHiddenService) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.established = false
	f.mu.Unlock()
}

func (f *fakeHiddenService) IsCircuitEstablished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established
}

func (f *fakeHiddenService) SocksProxyPort() (int, error) { return 9050, nil }

func (f *fakeHiddenService) establish() {
	f.mu.Lock()
	f.established = true
	onCircuit := f.onCircuit
	f.mu.Unlock()
	if onCircuit != nil {
		onCircuit()
	}
}

// peerCall records one request performed against the fake client.
type peerCall struct {
	friendID    string
	method      string
	path        string
	body        []byte
	query       map[string]string
	rangeOffset int64
	hasRange    bool
}

// fakePeerClient records requests and feeds canned responses.
type fakePeerClient struct {
	mu            sync.Mutex
	calls         []peerCall
	pullResponses []string
	downloadBody  []byte
	blockPush     chan struct{}
}

func (f *fakePeerClient) Do(friend *store.Friend, request *PeerRequest) error {
	call := peerCall{
		friendID: friend.ID,
		method:   request.Method,
		path:     request.Path,
		body:     append([]byte(nil), request.Body...),
		query:    request.QueryParameters,
	}
	if request.RangeOffset != nil {
		call.rangeOffset = *request.RangeOffset
		call.hasRange = true
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	blockPush := f.blockPush
	var pullResponse string
	if request.Path == protocol.PullPath && len(f.pullResponses) > 0 {
		pullResponse = f.pullResponses[0]
		f.pullResponses = f.pullResponses[1:]
	}
	downloadBody := f.downloadBody
	f.mu.Unlock()

	if blockPush != nil && request.Path == protocol.PushPath {
		<-blockPush
	}
	if request.ResponseHandler != nil {
		return request.ResponseHandler(strings.NewReader(pullResponse))
	}
	if request.ResponseOutput != nil {
		_, err := request.ResponseOutput.Write(downloadBody)
		return err
	}
	return nil
}

func (f *fakePeerClient) Shutdown() {}

func (f *fakePeerClient) callsTo(path string) []peerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []peerCall
	for _, call := range f.calls {
		if call.path == path {
			matched = append(matched, call)
		}
	}
	return matched
}

func (f *fakePeerClient) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// fakeLocationProvider returns a fixed location fix.
type fakeLocationProvider struct {
	fix protocol.Location
}

func (f *fakeLocationProvider) CurrentLocation() (protocol.Location, error) {
	return f.fix, nil
}

// notWifi forces the Wi-Fi-only gate closed.
type notWifi struct{}

func (notWifi) IsConnectedWifi() bool { return false }

// pullCommit records one PutPullResponse transaction.
type pullCommit struct {
	request    *protocol.PullRequest
	groupCount int
	postCount  int
}

// recordingStore wraps the sqlite store and records the calls the
// scenarios assert on.
type recordingStore struct {
	store.Store
	mu          sync.Mutex
	confirmed   []string
	pullCommits []pullCommit
}

func (r *recordingStore) ConfirmSentTo(friendID string, payload protocol.Payload) error {
	objectID := ""
	switch payload.Type {
	case protocol.PayloadGroup:
		objectID = payload.Group.ID
	case protocol.PayloadPost:
		objectID = payload.Post.ID
	}
	r.mu.Lock()
	r.confirmed = append(r.confirmed, friendID+":"+objectID)
	r.mu.Unlock()
	return r.Store.ConfirmSentTo(friendID, payload)
}

func (r *recordingStore) PutPullResponse(friendID string, request *protocol.PullRequest, groups []*protocol.Group, posts []*protocol.Post) error {
	r.mu.Lock()
	r.pullCommits = append(r.pullCommits, pullCommit{
		request:    request,
		groupCount: len(groups),
		postCount:  len(posts),
	})
	r.mu.Unlock()
	return r.Store.PutPullResponse(friendID, request, groups, posts)
}

func (r *recordingStore) confirmedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.confirmed...)
}

func (r *recordingStore) commits() []pullCommit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pullCommit(nil), r.pullCommits...)
}

// harness assembles an engine over a real sqlite store with fake
// transport collaborators.
type harness struct {
	t         *testing.T
	dir       string
	store     *recordingStore
	router    *events.Router
	resources *resources.Manager
	client    *fakePeerClient
	engine    *Engine

	mu       sync.Mutex
	services []*fakeHiddenService
}

func newHarness(t *testing.T, prefsYAML string, configure func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	if prefsYAML != "" {
		if err := os.WriteFile(filepath.Join(dir, "preferences.yaml"), []byte(prefsYAML), 0o600); err != nil {
			t.Fatalf("Writing preferences: %v", err)
		}
	}
	preferences, err := prefs.Open(filepath.Join(dir, "preferences.yaml"))
	if err != nil {
		t.Fatalf("Opening preferences: %v", err)
	}

	sqliteStore, err := store.Open(filepath.Join(dir, "ploggy.db"))
	if err != nil {
		t.Fatalf("Opening store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	recording := &recordingStore{Store: sqliteStore}

	resourceManager, err := resources.NewManager(filepath.Join(dir, "resources"))
	if err != nil {
		t.Fatalf("Creating resources manager: %v", err)
	}

	selfMaterial := generateKeyMaterial(t, "self")
	if err := recording.PutSelf(&store.Self{
		PublicIdentity: identity.PublicIdentity{
			ID:                    "self",
			Nickname:              "self",
			X509Certificate:       selfMaterial.CertificatePEM,
			HiddenServiceHostname: "self.onion",
		},
		PrivateIdentity: identity.PrivateIdentity{X509PrivateKey: selfMaterial.PrivateKeyPEM},
	}); err != nil {
		t.Fatalf("Storing self: %v", err)
	}

	h := &harness{
		t:         t,
		dir:       dir,
		store:     recording,
		router:    events.NewRouter(),
		resources: resourceManager,
		client:    &fakePeerClient{},
	}

	config := Config{
		Store:       recording,
		Preferences: preferences,
		Resources:   resourceManager,
		Events:      h.router,
		HiddenServiceFactory: func(_ string, _ []transport.HiddenServiceAuth, _ identity.HiddenServiceKeyMaterial, _ int, onCircuitEstablished func()) HiddenService {
			service := &fakeHiddenService{onCircuit: onCircuitEstablished}
			h.mu.Lock()
			h.services = append(h.services, service)
			h.mu.Unlock()
			return service
		},
		PeerClientFactory: func(identity.KeyMaterial, int) PeerClient {
			return h.client
		},
		// Keep background timers out of the way unless a test
		// shortens them.
		NotConnectedTimeout:    time.Hour,
		NoCommunicationTimeout: time.Hour,
		PreferenceRestartDelay: time.Hour,
		DownloadRetryPeriod:    time.Hour,
		FriendRequestDelay:     time.Hour,
	}
	if configure != nil {
		configure(&config)
	}

	engine, err := NewEngine(config)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.engine.Start(); err != nil {
		h.t.Fatalf("Engine start failed: %v", err)
	}
	h.t.Cleanup(h.engine.Stop)
}

func (h *harness) addFriend(id string) *store.Friend {
	h.t.Helper()
	friend := &store.Friend{
		ID: id,
		PublicIdentity: identity.PublicIdentity{
			ID:                    id,
			Nickname:              "nick-" + id,
			X509Certificate:       "cert-" + id,
			HiddenServiceHostname: id + ".onion",
		},
	}
	if err := h.store.PutFriend(friend); err != nil {
		h.t.Fatalf("PutFriend failed: %v", err)
	}
	return friend
}

func (h *harness) addSelfGroup(groupID string, memberIDs ...string) *protocol.Group {
	h.t.Helper()
	members := []identity.PublicIdentity{{
		ID: "self", Nickname: "self", X509Certificate: "cert-self", HiddenServiceHostname: "self.onion",
	}}
	for _, memberID := range memberIDs {
		members = append(members, identity.PublicIdentity{
			ID:                    memberID,
			Nickname:              "nick-" + memberID,
			X509Certificate:       "cert-" + memberID,
			HiddenServiceHostname: memberID + ".onion",
		})
	}
	group := &protocol.Group{ID: groupID, Name: "group " + groupID, CreatorID: "self", Members: members}
	if err := h.store.PutGroup(group); err != nil {
		h.t.Fatalf("PutGroup failed: %v", err)
	}
	return group
}

func (h *harness) addSelfPost(postID, groupID string) *protocol.Post {
	h.t.Helper()
	post := &protocol.Post{ID: postID, GroupID: groupID, PublisherID: "self", Content: "content " + postID}
	if err := h.store.PutPost(post); err != nil {
		h.t.Fatalf("PutPost failed: %v", err)
	}
	return post
}

func (h *harness) latestService() *fakeHiddenService {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.services) == 0 {
		return nil
	}
	return h.services[len(h.services)-1]
}

func (h *harness) serviceStarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.services)
}

func (h *harness) establishCircuit() {
	h.t.Helper()
	service := h.latestService()
	if service == nil {
		h.t.Fatal("No hidden service instance")
	}
	service.establish()
}

func (h *harness) waitFor(condition func() bool, message string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatal(message)
}

// payloadStream renders payloads the way a peer's pull response body
// arrives on the wire.
func payloadStream(t *testing.T, payloads []protocol.Payload) string {
	t.Helper()
	var builder strings.Builder
	writer := protocol.NewPayloadWriter(&builder)
	for _, payload := range payloads {
		if err := writer.Write(payload); err != nil {
			t.Fatalf("Encoding payload: %v", err)
		}
	}
	return builder.String()
}

func fmtID(prefix string, i int) string { return fmt.Sprintf("%s-%03d", prefix, i) }
