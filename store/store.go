// Package store persists the local node's view of the world: self
// identity, friends, groups, posts, locations, sync cursors and
// download records. The engine consumes the Store interface; the
// sqlite-backed implementation lives in this package as well.
package store

import (
	"errors"
	"time"

	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/protocol"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Self is the local identity pair.
type Self struct {
	PublicIdentity  identity.PublicIdentity
	PrivateIdentity identity.PrivateIdentity
}

// Friend is a peer plus the transfer bookkeeping kept about it.
type Friend struct {
	ID                        string
	PublicIdentity            identity.PublicIdentity
	LastSentToTimestamp       time.Time
	BytesSentTo               int64
	LastReceivedFromTimestamp time.Time
	BytesReceivedFrom         int64
}

// DownloadState tracks the lifecycle of a friend resource download.
type DownloadState uint8

const (
	// DownloadStateInProgress indicates bytes remain to fetch.
	DownloadStateInProgress DownloadState = iota
	// DownloadStateComplete indicates all bytes are on disk.
	DownloadStateComplete
	// DownloadStateCancelled indicates the download was abandoned.
	DownloadStateCancelled
)

// Download is one pending or finished resource fetch from a friend.
type Download struct {
	FriendID   string
	ResourceID string
	MimeType   string
	Size       int64
	State      DownloadState
}

// LocalResource is a locally published attachment a friend may fetch.
type LocalResource struct {
	ResourceID string
	PostID     string
	MimeType   string
	Size       int64
	FilePath   string
}

// PullResponseIterator streams the payloads answering a pull request.
// Next returns io.EOF after the last payload.
type PullResponseIterator interface {
	Next() (protocol.Payload, error)
	Close() error
}

// Store is the durable state the engine coordinates against. All
// implementations must be safe for concurrent use.
type Store interface {
	GetSelf() (*Self, error)
	PutSelf(self *Self) error

	GetFriends() ([]*Friend, error)
	GetFriendByID(friendID string) (*Friend, error)
	GetFriendByCertificate(certificate string) (*Friend, error)
	PutFriend(friend *Friend) error
	RemoveFriend(friendID string) error
	UpdateFriendSent(friendID string, timestamp time.Time, additionalBytes int64) error
	UpdateFriendReceived(friendID string, timestamp time.Time, additionalBytes int64) error

	GetGroup(groupID string) (*protocol.Group, error)
	PutGroup(group *protocol.Group) error
	GetPost(postID string) (*protocol.Post, error)
	PutPost(post *protocol.Post) error
	GetSelfLocation() (*protocol.Location, error)
	PutSelfLocation(location *protocol.Location) error

	PutPushedGroup(friendID string, group *protocol.Group) error
	PutPushedPost(friendID string, post *protocol.Post) (bool, error)
	PutPushedLocation(friendID string, location *protocol.Location) error

	GetPullRequest(friendID string) (*protocol.PullRequest, error)
	PutPullResponse(friendID string, request *protocol.PullRequest, groups []*protocol.Group, posts []*protocol.Post) error
	GetPullResponse(friendID string, request *protocol.PullRequest) (PullResponseIterator, error)
	ConfirmSentTo(friendID string, payload protocol.Payload) error
	ConfirmSentUpTo(friendID string, request *protocol.PullRequest) error
	MaxPullTransactionObjectCount() int

	GetNextInProgressDownload(friendID string) (*Download, error)
	UpdateDownloadState(friendID, resourceID string, state DownloadState) error
	AddLocalResource(resource *LocalResource) error
	GetLocalResourceForDownload(friendID, resourceID string) (*LocalResource, error)

	Close() error
}
