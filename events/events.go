// Package events carries state-change notifications between the engine
// and its collaborators. Events are typed variants dispatched by a
// Router on a single goroutine, so every subscriber observes them in
// posting order and reactions never run concurrently with each other.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/protocol"
)

// Event is the closed set of notifications the router dispatches.
type Event interface {
	isEvent()
}

// CircuitEstablished fires when the onion wrapper reports a usable
// circuit.
type CircuitEstablished struct{}

// UpdatedSelf fires when the local identity material changed.
type UpdatedSelf struct{}

// AddedFriend fires after a new friend is committed to the store.
type AddedFriend struct {
	FriendID string
}

// RemovedFriend fires after a friend is removed from the store.
type RemovedFriend struct {
	FriendID string
}

// UpdatedFriend fires after friend bookkeeping changed, which implies a
// completed peer communication.
type UpdatedFriend struct {
	FriendID string
}

// UpdatedSelfGroup fires after a local edit to one of self's groups.
type UpdatedSelfGroup struct {
	GroupID string
}

// UpdatedSelfPost fires after a local edit to one of self's posts.
type UpdatedSelfPost struct {
	PostID string
}

// UpdatedSelfLocation fires after a new self location was persisted.
type UpdatedSelfLocation struct{}

// NewSelfLocationFix fires when the location fixer produced a fix that
// has not yet been persisted.
type NewSelfLocationFix struct {
	Location protocol.Location
}

// AddedDownload fires after a download record was added for a friend.
type AddedDownload struct {
	FriendID string
}

// PreferenceChanged fires when the preferences file changed on disk.
type PreferenceChanged struct {
	Key string
}

func (CircuitEstablished) isEvent()  {}
func (UpdatedSelf) isEvent()         {}
func (AddedFriend) isEvent()         {}
func (RemovedFriend) isEvent()       {}
func (UpdatedFriend) isEvent()       {}
func (UpdatedSelfGroup) isEvent()    {}
func (UpdatedSelfPost) isEvent()     {}
func (UpdatedSelfLocation) isEvent() {}
func (NewSelfLocationFix) isEvent()  {}
func (AddedDownload) isEvent()       {}
func (PreferenceChanged) isEvent()   {}

// Handler receives dispatched events. Handlers run on the router's
// dispatch goroutine and must not block on long work.
type Handler func(Event)

const postQueueDepth = 64

// Router fans posted events out to subscribers from one dispatch
// goroutine.
type Router struct {
	mu       sync.Mutex
	handlers []Handler
	queue    chan Event
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

// NewRouter creates a stopped router.
func NewRouter() *Router {
	return &Router{}
}

// Subscribe registers a handler. Subscriptions persist across
// Start/Stop cycles.
func (r *Router) Subscribe(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Start begins dispatching posted events.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.queue = make(chan Event, postQueueDepth)
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	go r.dispatchLoop(r.queue, r.stopChan, r.done)
}

// Stop halts dispatching. Events posted after Stop are dropped.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	done := r.done
	r.mu.Unlock()
	<-done
}

// Post enqueues an event for dispatch. A full queue drops the event
// rather than blocking the poster.
func (r *Router) Post(event Event) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	queue := r.queue
	r.mu.Unlock()

	select {
	case queue <- event:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Post",
			"event":    eventName(event),
		}).Warn("Event queue full, dropping event")
	}
}

func (r *Router) dispatchLoop(queue chan Event, stopChan, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event := <-queue:
			r.dispatch(event)
		case <-stopChan:
			return
		}
	}
}

func (r *Router) dispatch(event Event) {
	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func eventName(event Event) string {
	switch event.(type) {
	case CircuitEstablished:
		return "CircuitEstablished"
	case UpdatedSelf:
		return "UpdatedSelf"
	case AddedFriend:
		return "AddedFriend"
	case RemovedFriend:
		return "RemovedFriend"
	case UpdatedFriend:
		return "UpdatedFriend"
	case UpdatedSelfGroup:
		return "UpdatedSelfGroup"
	case UpdatedSelfPost:
		return "UpdatedSelfPost"
	case UpdatedSelfLocation:
		return "UpdatedSelfLocation"
	case NewSelfLocationFix:
		return "NewSelfLocationFix"
	case AddedDownload:
		return "AddedDownload"
	case PreferenceChanged:
		return "PreferenceChanged"
	default:
		return "unknown"
	}
}
