// Package protocol defines the wire-level types exchanged between
// friends: groups, posts, locations, pull requests, and the tagged
// payload envelope that carries them. It also fixes the request paths
// and parameters of the peer HTTPS interface.
package protocol

import (
	"errors"
	"time"

	"github.com/mak2salazarjr/ploggy/identity"
)

// Request paths served by every peer over its hidden service.
const (
	AskPullPath     = "/askPull"
	AskLocationPath = "/askLocation"
	PushPath        = "/push"
	PullPath        = "/pull"
	DownloadPath    = "/download"

	// DownloadResourceIDParameter is the query parameter naming the
	// resource requested from DownloadPath.
	DownloadResourceIDParameter = "resourceId"

	// WebServerVirtualPort is the virtual port the hidden service
	// exposes; the server's real listening port is private.
	WebServerVirtualPort = 443
)

// ErrInvalidPayload indicates a payload that fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Group is a named membership list. The authoring peer assigns the
// sequence number; receivers use it to acknowledge receipt.
type Group struct {
	ID                string                    `json:"id"`
	Name              string                    `json:"name"`
	CreatorID         string                    `json:"creatorId"`
	Members           []identity.PublicIdentity `json:"members"`
	CreatedTimestamp  time.Time                 `json:"createdTimestamp"`
	ModifiedTimestamp time.Time                 `json:"modifiedTimestamp"`
	Sequence          int64                     `json:"sequence"`
}

// Resource names a downloadable attachment published with a post.
type Resource struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Post is one message published to a group, optionally carrying
// attachment resources that members fetch separately.
type Post struct {
	ID                string     `json:"id"`
	GroupID           string     `json:"groupId"`
	PublisherID       string     `json:"publisherId"`
	Content           string     `json:"content"`
	Attachments       []Resource `json:"attachments,omitempty"`
	CreatedTimestamp  time.Time  `json:"createdTimestamp"`
	ModifiedTimestamp time.Time  `json:"modifiedTimestamp"`
	Sequence          int64      `json:"sequence"`
}

// Location is one self-location fix shared with friends that asked for
// it.
type Location struct {
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	StreetAddress string    `json:"streetAddress"`
}

// PullRequest is the per-friend sync cursor. LastReceivedSequence tells
// the responder what the requester already has, and doubles as an
// acknowledgment of everything at or below it. RequestReciprocal is set
// while the requester holds self-authored data the responder has not
// yet received; the responder's pull handler does not act on it.
type PullRequest struct {
	LastReceivedSequence int64 `json:"lastReceivedSequence"`
	RequestReciprocal    bool  `json:"requestReciprocal"`
}

// ValidateGroup checks a received group before it is stored.
func ValidateGroup(g *Group) error {
	if g == nil || g.ID == "" || g.Name == "" || g.CreatorID == "" {
		return ErrInvalidPayload
	}
	if len(g.Members) == 0 {
		return ErrInvalidPayload
	}
	for i := range g.Members {
		if err := g.Members[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePost checks a received post before it is stored.
func ValidatePost(p *Post) error {
	if p == nil || p.ID == "" || p.GroupID == "" || p.PublisherID == "" {
		return ErrInvalidPayload
	}
	for _, r := range p.Attachments {
		if r.ID == "" || r.Size < 0 {
			return ErrInvalidPayload
		}
	}
	return nil
}

// ValidateLocation checks a received location fix.
func ValidateLocation(l *Location) error {
	if l == nil || l.Timestamp.IsZero() {
		return ErrInvalidPayload
	}
	if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
		return ErrInvalidPayload
	}
	return nil
}

// ValidatePullRequest checks a peer's pull cursor.
func ValidatePullRequest(r *PullRequest) error {
	if r == nil || r.LastReceivedSequence < 0 {
		return ErrInvalidPayload
	}
	return nil
}
