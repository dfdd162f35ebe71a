// Package ploggy implements the background coordinator for the Ploggy
// sharing lifecycle. The Engine schedules per-friend synchronization
// tasks (ask-pull, ask-location, push, pull, download), serves peer
// requests arriving over the local hidden service, and keeps the store
// consistent with peer state across network faults and churn.
//
// An Engine is intended to be long running:
//
//	engine, err := ploggy.NewEngine(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
package ploggy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/events"
	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/location"
	"github.com/mak2salazarjr/ploggy/metrics"
	"github.com/mak2salazarjr/ploggy/prefs"
	"github.com/mak2salazarjr/ploggy/protocol"
	"github.com/mak2salazarjr/ploggy/resources"
	"github.com/mak2salazarjr/ploggy/store"
	"github.com/mak2salazarjr/ploggy/transport"
)

// Engine timing defaults. Config fields override them, which the tests
// use to compress the watchdog and debounce windows.
const (
	// notConnectedTimeout restarts the engine when no circuit comes up.
	notConnectedTimeout = 5 * time.Minute
	// noCommunicationTimeout restarts the engine when no peer
	// communication is observed.
	noCommunicationTimeout = 120 * time.Minute
	// preferenceRestartDelay debounces restarts on preference edits.
	preferenceRestartDelay = 5 * time.Second
	// downloadRetryPeriod re-triggers pending downloads.
	downloadRetryPeriod = 10 * time.Minute
	// friendRequestDelay compensates for hidden service publish
	// latency before the first scheduled round of friend requests.
	friendRequestDelay = 30 * time.Second
)

// ErrEngineStopped indicates an operation that needs a running engine.
var ErrEngineStopped = errors.New("engine is stopped")

// Config assembles the engine's collaborators. Store, Preferences,
// Resources and Events are required. Network, the transport factories
// and the timings default to the production values when unset; a nil
// LocationProvider leaves the location fixer idle.
type Config struct {
	Store       store.Store
	Preferences *prefs.Preferences
	Resources   *resources.Manager
	Events      *events.Router

	TorDataDir       string
	LocationProvider location.Provider
	Network          NetworkMonitor

	// HiddenServiceFactory and PeerClientFactory substitute the
	// transport; tests install fakes through them.
	HiddenServiceFactory func(dataDir string, auths []transport.HiddenServiceAuth, keyMaterial identity.HiddenServiceKeyMaterial, localPort int, onCircuitEstablished func()) HiddenService
	PeerClientFactory    func(keyMaterial identity.KeyMaterial, socksProxyPort int) PeerClient

	NotConnectedTimeout    time.Duration
	NoCommunicationTimeout time.Duration
	PreferenceRestartDelay time.Duration
	DownloadRetryPeriod    time.Duration
	FriendRequestDelay     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Network == nil {
		c.Network = alwaysWifi{}
	}
	if c.HiddenServiceFactory == nil {
		c.HiddenServiceFactory = func(dataDir string, auths []transport.HiddenServiceAuth, keyMaterial identity.HiddenServiceKeyMaterial, localPort int, onCircuitEstablished func()) HiddenService {
			return transport.NewTorWrapper(dataDir, auths, keyMaterial, localPort, onCircuitEstablished)
		}
	}
	if c.PeerClientFactory == nil {
		c.PeerClientFactory = newPoolPeerClient
	}
	if c.NotConnectedTimeout == 0 {
		c.NotConnectedTimeout = notConnectedTimeout
	}
	if c.NoCommunicationTimeout == 0 {
		c.NoCommunicationTimeout = noCommunicationTimeout
	}
	if c.PreferenceRestartDelay == 0 {
		c.PreferenceRestartDelay = preferenceRestartDelay
	}
	if c.DownloadRetryPeriod == 0 {
		c.DownloadRetryPeriod = downloadRetryPeriod
	}
	if c.FriendRequestDelay == 0 {
		c.FriendRequestDelay = friendRequestDelay
	}
}

// Engine is the background coordinator. All of its intent state (task
// slots, push queues, location recipients, timer handles) is guarded
// by one mutex; task bodies never hold it across network I/O.
type Engine struct {
	config      Config
	store       store.Store
	preferences *prefs.Preferences
	resources   *resources.Manager
	events      *events.Router
	network     NetworkMonitor

	// now is the clock behind the location sharing policy; tests
	// substitute fixed times.
	now func() time.Time

	// lifecycleMu serializes Start/Stop/Restart.
	lifecycleMu sync.Mutex

	mu                 sync.Mutex
	stopped            bool
	taskPool           *workerPool
	peerPool           *workerPool
	timers             *scheduler
	registry           *taskRegistry
	queue              *pushQueue
	locationRecipients map[string]bool
	fixer              *location.Fixer
	server             *transport.Server
	hiddenService      HiddenService
	peerClient         PeerClient
	watchdogTask       *timerTask
	prefRestartTask    *timerTask
	downloadRetryTask  *timerTask
}

// NewEngine creates a stopped engine and subscribes it to the event
// router. Call Start to begin sharing.
func NewEngine(config Config) (*Engine, error) {
	if config.Store == nil || config.Preferences == nil || config.Resources == nil || config.Events == nil {
		return nil, fmt.Errorf("engine config is missing a required collaborator")
	}
	config.applyDefaults()
	e := &Engine{
		config:      config,
		store:       config.Store,
		preferences: config.Preferences,
		resources:   config.Resources,
		events:      config.Events,
		network:     config.Network,
		now:         time.Now,
		stopped:     true,
	}
	e.events.Subscribe(e.handleEvent)
	return e, nil
}

// Start brings up the server, the hidden service and the scheduling
// machinery. A running engine is stopped first. On failure the engine
// is left stopped.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.startLocked()
}

func (e *Engine) startLocked() error {
	e.stopLocked()
	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Engine starting")

	e.events.Start()

	e.mu.Lock()
	e.stopped = false
	e.taskPool = newWorkerPool(threadPoolSize)
	e.peerPool = newWorkerPool(threadPoolSize)
	e.timers = newScheduler()
	e.registry = newTaskRegistry()
	e.queue = newPushQueue()
	e.locationRecipients = make(map[string]bool)
	e.fixer = location.NewFixer(e.config.LocationProvider, func(fix protocol.Location) {
		e.events.Post(events.NewSelfLocationFix{Location: fix})
	})
	e.mu.Unlock()

	if err := e.startTransport(); err != nil {
		e.stopLocked()
		return err
	}
	if err := e.preferences.Watch(func() {
		e.events.Post(events.PreferenceChanged{})
	}); err != nil {
		e.stopLocked()
		return err
	}
	e.setWatchdog(e.config.NotConnectedTimeout)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Engine started")
	return nil
}

// startTransport brings up the peer server and the hidden service
// publishing it.
func (e *Engine) startTransport() error {
	self, err := e.store.GetSelf()
	if err != nil {
		return fmt.Errorf("loading self identity: %w", err)
	}
	friends, err := e.store.GetFriends()
	if err != nil {
		return fmt.Errorf("loading friends: %w", err)
	}

	friendCertificates := make([]string, 0, len(friends))
	hiddenServiceAuths := make([]transport.HiddenServiceAuth, 0, len(friends))
	for _, friend := range friends {
		friendCertificates = append(friendCertificates, friend.PublicIdentity.X509Certificate)
		hiddenServiceAuths = append(hiddenServiceAuths, transport.HiddenServiceAuth{
			Hostname:   friend.PublicIdentity.HiddenServiceHostname,
			AuthCookie: friend.PublicIdentity.HiddenServiceAuthCookie,
		})
	}

	server := transport.NewServer(e, e, identity.KeyMaterial{
		CertificatePEM: self.PublicIdentity.X509Certificate,
		PrivateKeyPEM:  self.PrivateIdentity.X509PrivateKey,
	}, friendCertificates)
	if err := server.Start(); err != nil {
		return err
	}

	hiddenService := e.config.HiddenServiceFactory(
		e.config.TorDataDir,
		hiddenServiceAuths,
		identity.HiddenServiceKeyMaterial{
			Hostname:   self.PublicIdentity.HiddenServiceHostname,
			AuthCookie: self.PublicIdentity.HiddenServiceAuthCookie,
			PrivateKey: self.PrivateIdentity.HiddenServicePrivateKey,
		},
		server.ListeningPort(),
		func() {
			e.events.Post(events.CircuitEstablished{})
		})

	e.mu.Lock()
	e.server = server
	e.hiddenService = hiddenService
	e.mu.Unlock()

	if err := hiddenService.Start(); err != nil {
		return fmt.Errorf("starting hidden service: %w", err)
	}
	return nil
}

// Stop tears down pools, timers, transport and registries. It is
// idempotent.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	e.mu.Lock()
	if e.stopped && e.taskPool == nil {
		e.mu.Unlock()
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Engine stopping")
	e.stopped = true
	taskPool := e.taskPool
	peerPool := e.peerPool
	timers := e.timers
	server := e.server
	hiddenService := e.hiddenService
	peerClient := e.peerClient
	watchdogTask := e.watchdogTask
	prefRestartTask := e.prefRestartTask
	downloadRetryTask := e.downloadRetryTask
	e.taskPool = nil
	e.peerPool = nil
	e.timers = nil
	e.registry = nil
	e.queue = nil
	e.locationRecipients = nil
	e.fixer = nil
	e.server = nil
	e.hiddenService = nil
	e.peerClient = nil
	e.watchdogTask = nil
	e.prefRestartTask = nil
	e.downloadRetryTask = nil
	e.mu.Unlock()

	e.preferences.Close()
	if timers != nil {
		timers.cancel(watchdogTask)
		timers.cancel(prefRestartTask)
		timers.cancel(downloadRetryTask)
		timers.stop()
	}
	if taskPool != nil {
		taskPool.stop()
	}
	if peerPool != nil {
		peerPool.stop()
	}
	if peerClient != nil {
		peerClient.Shutdown()
	}
	if hiddenService != nil {
		hiddenService.Stop()
	}
	if server != nil {
		server.Stop()
	}
	e.events.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Engine stopped")
}

// Restart performs a full stop/start cycle, the engine's sole recovery
// mechanism.
func (e *Engine) Restart() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	metrics.EngineRestarts.Inc()
	return e.startLocked()
}

func (e *Engine) restartBecause(reason string) {
	if err := e.Restart(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restartBecause",
			"reason":   reason,
			"error":    err.Error(),
		}).Error("Failed to restart engine")
	}
}

// handleEvent is the single subscriber for all engine reactions. It
// runs on the router's dispatch goroutine.
func (e *Engine) handleEvent(event events.Event) {
	switch event := event.(type) {
	case events.CircuitEstablished:
		e.onCircuitEstablished()
	case events.UpdatedSelf:
		// New transport and hidden service credentials.
		go e.restartBecause("self updated")
	case events.AddedFriend:
		// New accepted client certificate and hidden service auth set.
		go e.restartBecause("friend added")
	case events.RemovedFriend:
		// Clears cached task state referencing the gone friend.
		go e.restartBecause("friend removed")
	case events.UpdatedFriend:
		// Bookkeeping update implies a completed peer communication.
		e.setWatchdog(e.config.NoCommunicationTimeout)
	case events.UpdatedSelfGroup:
		e.onUpdatedSelfGroup(event.GroupID)
	case events.UpdatedSelfPost:
		e.onUpdatedSelfPost(event.PostID)
	case events.UpdatedSelfLocation:
		e.onUpdatedSelfLocation()
	case events.NewSelfLocationFix:
		e.onNewSelfLocationFix(event.Location)
	case events.AddedDownload:
		e.triggerFriendTask(TaskDownloadFrom, event.FriendID)
	case events.PreferenceChanged:
		e.onPreferenceChanged()
	}
}

func (e *Engine) onCircuitEstablished() {
	e.setWatchdog(e.config.NoCommunicationTimeout)

	if err := e.startPeerClient(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onCircuitEstablished",
			"error":    err.Error(),
		}).Error("Failed to start client connection pool")
		return
	}

	// Ask friends to pull local changes, and pull theirs.
	friends, err := e.store.GetFriends()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onCircuitEstablished",
			"error":    err.Error(),
		}).Error("Failed to schedule friend poll")
		return
	}
	for _, friend := range friends {
		e.triggerFriendTask(TaskAskPull, friend.ID)
	}
	for _, friend := range friends {
		e.triggerFriendTask(TaskPullFrom, friend.ID)
	}
	e.startDownloadRetryTask()
}

func (e *Engine) startPeerClient() error {
	self, err := e.store.GetSelf()
	if err != nil {
		return err
	}
	e.mu.Lock()
	hiddenService := e.hiddenService
	e.mu.Unlock()
	if hiddenService == nil {
		return ErrEngineStopped
	}
	socksProxyPort, err := hiddenService.SocksProxyPort()
	if err != nil {
		return err
	}
	peerClient := e.config.PeerClientFactory(identity.KeyMaterial{
		CertificatePEM: self.PublicIdentity.X509Certificate,
		PrivateKeyPEM:  self.PrivateIdentity.X509PrivateKey,
	}, socksProxyPort)

	e.mu.Lock()
	previous := e.peerClient
	if e.stopped {
		e.mu.Unlock()
		peerClient.Shutdown()
		return ErrEngineStopped
	}
	e.peerClient = peerClient
	e.mu.Unlock()
	if previous != nil {
		previous.Shutdown()
	}
	return nil
}

func (e *Engine) onUpdatedSelfGroup(groupID string) {
	group, err := e.store.GetGroup(groupID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onUpdatedSelfGroup",
			"group":    groupID,
			"error":    err.Error(),
		}).Error("Failed to push group update")
		return
	}
	e.pushToGroup(group, protocol.NewGroupPayload(group))
}

func (e *Engine) onUpdatedSelfPost(postID string) {
	post, err := e.store.GetPost(postID)
	if err == nil {
		var group *protocol.Group
		group, err = e.store.GetGroup(post.GroupID)
		if err == nil {
			e.pushToGroup(group, protocol.NewPostPayload(post))
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "onUpdatedSelfPost",
		"post":     postID,
		"error":    err.Error(),
	}).Error("Failed to push post update")
}

// pushToGroup enqueues the payload to every group member that is a
// friend and triggers their push tasks.
func (e *Engine) pushToGroup(group *protocol.Group, payload protocol.Payload) {
	for _, member := range group.Members {
		if _, err := e.store.GetFriendByID(member.ID); err != nil {
			// Self, or a member that is not (or no longer) a friend.
			continue
		}
		e.enqueuePush(member.ID, payload)
		e.triggerFriendTask(TaskPushTo, member.ID)
	}
}

func (e *Engine) onUpdatedSelfLocation() {
	selfLocation, err := e.store.GetSelfLocation()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onUpdatedSelfLocation",
			"error":    err.Error(),
		}).Error("Failed to push location update")
		return
	}
	payload := protocol.NewLocationPayload(selfLocation)

	e.mu.Lock()
	recipients := e.locationRecipients
	e.locationRecipients = make(map[string]bool)
	e.mu.Unlock()

	for friendID := range recipients {
		e.enqueuePush(friendID, payload)
		e.triggerFriendTask(TaskPushTo, friendID)
	}
}

func (e *Engine) onNewSelfLocationFix(fix protocol.Location) {
	if err := e.store.PutSelfLocation(&fix); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onNewSelfLocationFix",
			"error":    err.Error(),
		}).Error("Failed to store self location")
		return
	}
	e.events.Post(events.UpdatedSelfLocation{})
}

// onPreferenceChanged restarts the engine after the preference inputs
// go idle for the debounce window.
func (e *Engine) onPreferenceChanged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timers == nil {
		return
	}
	if e.prefRestartTask != nil {
		e.timers.cancel(e.prefRestartTask)
	}
	e.prefRestartTask = e.timers.schedule(e.config.PreferenceRestartDelay, func() {
		e.mu.Lock()
		e.prefRestartTask = nil
		e.mu.Unlock()
		go e.restartBecause("preferences changed")
	})
}

// setWatchdog arms the restart watchdog, replacing any armed timer.
// The not-connected and no-communication watchdogs are mutually
// exclusive uses of the same slot.
func (e *Engine) setWatchdog(timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timers == nil {
		return
	}
	if e.watchdogTask != nil {
		e.timers.cancel(e.watchdogTask)
	}
	e.watchdogTask = e.timers.schedule(timeout, func() {
		logrus.WithFields(logrus.Fields{
			"function": "setWatchdog",
			"timeout":  timeout.String(),
		}).Warn("Watchdog elapsed, restarting engine")
		go e.restartBecause("watchdog elapsed")
	})
}

// startDownloadRetryTask schedules the periodic download poll: an
// initial friend-request delay, then the retry period.
func (e *Engine) startDownloadRetryTask() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timers == nil {
		return
	}
	if e.downloadRetryTask != nil {
		e.timers.cancel(e.downloadRetryTask)
		e.downloadRetryTask = nil
	}
	e.downloadRetryTask = e.timers.schedule(e.config.FriendRequestDelay, e.downloadRetryTick)
}

func (e *Engine) downloadRetryTick() {
	friends, err := e.store.GetFriends()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "downloadRetryTick",
			"error":    err.Error(),
		}).Error("Failed to poll friends for downloads")
	} else {
		for _, friend := range friends {
			e.triggerFriendTask(TaskDownloadFrom, friend.ID)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.timers == nil {
		return
	}
	e.downloadRetryTask = e.timers.schedule(e.config.DownloadRetryPeriod, e.downloadRetryTick)
}

// AskLocationFromFriend schedules an ask-location request toward the
// friend.
func (e *Engine) AskLocationFromFriend(friendID string) {
	e.triggerFriendTask(TaskAskLocation, friendID)
}

// triggerFriendTask submits the task for the (kind, friend) slot
// unless an execution is already in flight.
func (e *Engine) triggerFriendTask(kind FriendTaskKind, friendID string) {
	e.mu.Lock()
	if e.stopped || e.registry == nil || !e.registry.occupy(kind, friendID) {
		e.mu.Unlock()
		return
	}
	taskPool := e.taskPool
	e.mu.Unlock()

	if !taskPool.submit(func() { e.runFriendTask(kind, friendID) }) {
		e.completeFriendTask(kind, friendID)
	}
}

// completeFriendTask clears the slot. Every task body reaches this on
// every exit path.
func (e *Engine) completeFriendTask(kind FriendTaskKind, friendID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry != nil {
		e.registry.release(kind, friendID)
	}
}

// enqueuePush appends a payload to the friend's outbound queue.
func (e *Engine) enqueuePush(friendID string, payload protocol.Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue != nil {
		e.queue.enqueue(friendID, payload)
	}
}

// dequeuePushOrComplete pops the friend's next payload. When the queue
// is empty it atomically releases the push slot instead, closing the
// race between a drain loop observing emptiness and a concurrent
// enqueue.
func (e *Engine) dequeuePushOrComplete(friendID string) (protocol.Payload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue == nil {
		if e.registry != nil {
			e.registry.release(TaskPushTo, friendID)
		}
		return protocol.Payload{}, false
	}
	payload, ok := e.queue.dequeue(friendID)
	if !ok {
		e.registry.release(TaskPushTo, friendID)
		return protocol.Payload{}, false
	}
	return payload, true
}

// addLocationRecipient records that the friend asked for the next
// location fix and starts acquiring one.
func (e *Engine) addLocationRecipient(friendID string) {
	e.mu.Lock()
	if e.locationRecipients != nil {
		e.locationRecipients[friendID] = true
	}
	fixer := e.fixer
	e.mu.Unlock()
	if fixer != nil {
		fixer.Start()
	}
}

// isCircuitEstablished reports whether peer requests can succeed.
func (e *Engine) isCircuitEstablished() bool {
	e.mu.Lock()
	hiddenService := e.hiddenService
	e.mu.Unlock()
	return hiddenService != nil && hiddenService.IsCircuitEstablished()
}

// currentPeerClient returns the live client pool, or nil when the
// engine is stopped or the circuit has not come up.
func (e *Engine) currentPeerClient() PeerClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerClient
}

// SubmitPeerRequest implements transport.RequestExecutor on the
// peer-request pool.
func (e *Engine) SubmitPeerRequest(task func()) bool {
	e.mu.Lock()
	peerPool := e.peerPool
	e.mu.Unlock()
	if peerPool == nil {
		return false
	}
	return peerPool.submit(task)
}

// CurrentlySharingLocation applies the location sharing policy: the
// automatic-sharing switch, the optional time-of-day window (both
// boundaries inclusive, minute resolution) and the allowed weekdays.
func (e *Engine) CurrentlySharingLocation() bool {
	if !e.preferences.Bool(prefs.KeyAutomaticLocationSharing) {
		return false
	}

	now := e.now()
	if e.preferences.Bool(prefs.KeyLimitLocationSharingTime) {
		notBefore, err := prefs.MinuteOfDay(e.preferences.String(prefs.KeyLimitLocationSharingNotBefore))
		if err != nil {
			return false
		}
		notAfter, err := prefs.MinuteOfDay(e.preferences.String(prefs.KeyLimitLocationSharingNotAfter))
		if err != nil {
			return false
		}
		minute := now.Hour()*60 + now.Minute()
		if minute < notBefore || minute > notAfter {
			return false
		}
	}

	sharingDays := e.preferences.StringSet(prefs.KeyLimitLocationSharingDay)
	if !sharingDays[now.Weekday().String()] {
		return false
	}
	return true
}
