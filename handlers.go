package ploggy

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/events"
	"github.com/mak2salazarjr/ploggy/metrics"
	"github.com/mak2salazarjr/ploggy/prefs"
	"github.com/mak2salazarjr/ploggy/protocol"
	"github.com/mak2salazarjr/ploggy/store"
	"github.com/mak2salazarjr/ploggy/transport"
)

// The engine is the server's request handler. Handlers run on the
// peer-request pool and do not take the engine mutex for store work;
// they re-enter it only through triggerFriendTask and
// addLocationRecipient.
var _ transport.RequestHandler = (*Engine)(nil)

// GetFriendNicknameByCertificate resolves the peer certificate to a
// display name for the server layer's log entries.
func (e *Engine) GetFriendNicknameByCertificate(certificate string) (string, error) {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return "", err
	}
	return friend.PublicIdentity.Nickname, nil
}

// UpdateFriendSent records bytes served to the peer and extends the
// no-communication watchdog through the UpdatedFriend event.
func (e *Engine) UpdateFriendSent(certificate string, timestamp time.Time, additionalBytes int64) error {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return err
	}
	if err := e.store.UpdateFriendSent(friend.ID, timestamp, additionalBytes); err != nil {
		return err
	}
	e.events.Post(events.UpdatedFriend{FriendID: friend.ID})
	return nil
}

// UpdateFriendReceived records bytes received from the peer.
func (e *Engine) UpdateFriendReceived(certificate string, timestamp time.Time, additionalBytes int64) error {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return err
	}
	if err := e.store.UpdateFriendReceived(friend.ID, timestamp, additionalBytes); err != nil {
		return err
	}
	e.events.Post(events.UpdatedFriend{FriendID: friend.ID})
	return nil
}

// HandleAskPullRequest reacts to a peer's nudge by scheduling a pull
// against it.
func (e *Engine) HandleAskPullRequest(certificate string) error {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return fmt.Errorf("ask pull request: %w", err)
	}
	e.triggerFriendTask(TaskPullFrom, friend.ID)
	metrics.PeerRequestsServed.WithLabelValues(protocol.AskPullPath).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "HandleAskPullRequest",
		"friend":   friend.PublicIdentity.Nickname,
	}).Info("Served ask pull request")
	return nil
}

// HandleAskLocationRequest registers the peer as a location recipient
// and starts acquiring a fix, unless the sharing policy denies it.
func (e *Engine) HandleAskLocationRequest(certificate string) error {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return fmt.Errorf("ask location request: %w", err)
	}
	if !e.CurrentlySharingLocation() {
		return fmt.Errorf("rejected ask location request for %s", friend.PublicIdentity.Nickname)
	}
	e.addLocationRecipient(friend.ID)
	metrics.PeerRequestsServed.WithLabelValues(protocol.AskLocationPath).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "HandleAskLocationRequest",
		"friend":   friend.PublicIdentity.Nickname,
	}).Info("Served ask location request")
	return nil
}

// HandlePushRequest consumes the peer's payload stream, storing each
// validated object. Groups schedule pulls from every member that is a
// friend (self may have been added to an existing group and needs its
// posts); a newly accepted post schedules a pull from the pusher.
func (e *Engine) HandlePushRequest(certificate string, body io.Reader) error {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}

	pullFromFriendIDs := make(map[string]bool)
	reader := protocol.NewPayloadReader(body)
	for {
		payload, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("push request from %s: %w", friend.PublicIdentity.Nickname, err)
		}
		if err := payload.Validate(); err != nil {
			return fmt.Errorf("push request from %s: %w", friend.PublicIdentity.Nickname, err)
		}
		switch payload.Type {
		case protocol.PayloadGroup:
			if err := e.store.PutPushedGroup(friend.ID, payload.Group); err != nil {
				return err
			}
			for _, member := range payload.Group.Members {
				if _, err := e.store.GetFriendByID(member.ID); err == nil {
					pullFromFriendIDs[member.ID] = true
				}
			}
		case protocol.PayloadLocation:
			if err := e.store.PutPushedLocation(friend.ID, payload.Location); err != nil {
				return err
			}
		case protocol.PayloadPost:
			isNew, err := e.store.PutPushedPost(friend.ID, payload.Post)
			if err != nil {
				return err
			}
			if isNew {
				pullFromFriendIDs[friend.ID] = true
				if len(payload.Post.Attachments) > 0 {
					e.events.Post(events.AddedDownload{FriendID: friend.ID})
				}
			}
		}
	}

	for friendID := range pullFromFriendIDs {
		e.triggerFriendTask(TaskPullFrom, friendID)
	}
	metrics.PeerRequestsServed.WithLabelValues(protocol.PushPath).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "HandlePushRequest",
		"friend":   friend.PublicIdentity.Nickname,
	}).Info("Served push request")
	return nil
}

// HandlePullRequest validates the peer's cursor, applies it as an
// acknowledgment, and answers with the streaming set of newer objects.
func (e *Engine) HandlePullRequest(certificate string, body io.Reader) (*transport.PullResponse, error) {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return nil, fmt.Errorf("pull request: %w", err)
	}
	pullRequest := &protocol.PullRequest{}
	if err := json.NewDecoder(body).Decode(pullRequest); err != nil {
		return nil, fmt.Errorf("pull request from %s: %w", friend.PublicIdentity.Nickname, err)
	}
	if err := protocol.ValidatePullRequest(pullRequest); err != nil {
		return nil, fmt.Errorf("pull request from %s: %w", friend.PublicIdentity.Nickname, err)
	}
	if err := e.store.ConfirmSentUpTo(friend.ID, pullRequest); err != nil {
		return nil, err
	}
	iterator, err := e.store.GetPullResponse(friend.ID, pullRequest)
	if err != nil {
		return nil, err
	}
	metrics.PeerRequestsServed.WithLabelValues(protocol.PullPath).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "HandlePullRequest",
		"friend":   friend.PublicIdentity.Nickname,
	}).Info("Served pull request")
	return &transport.PullResponse{Body: newPullResponseBody(iterator)}, nil
}

// HandleDownloadRequest serves a ranged read of a local resource the
// peer is entitled to, unless the Wi-Fi-only gate is in force.
func (e *Engine) HandleDownloadRequest(certificate string, resourceID string, byteRange transport.Range) (*transport.DownloadResponse, error) {
	friend, err := e.store.GetFriendByCertificate(certificate)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	localResource, err := e.store.GetLocalResourceForDownload(friend.ID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("download request from %s: %w", friend.PublicIdentity.Nickname, err)
	}
	// Availability is checked only after input validation.
	if e.preferences.Bool(prefs.KeyExchangeFilesWifiOnly) && !e.network.IsConnectedWifi() {
		return &transport.DownloadResponse{Available: false}, nil
	}
	reader, err := e.resources.OpenLocalResourceForReading(localResource, byteRange.Offset)
	if err != nil {
		return nil, err
	}
	metrics.PeerRequestsServed.WithLabelValues(protocol.DownloadPath).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "HandleDownloadRequest",
		"friend":   friend.PublicIdentity.Nickname,
		"resource": resourceID,
	}).Info("Served download request")
	return &transport.DownloadResponse{
		Available: true,
		MimeType:  localResource.MimeType,
		Body:      reader,
	}, nil
}

// pullResponseBody adapts a store iterator into the streaming response
// body: payloads are encoded on demand as the transport drains it.
type pullResponseBody struct {
	iterator store.PullResponseIterator
	reader   *io.PipeReader
}

func newPullResponseBody(iterator store.PullResponseIterator) io.ReadCloser {
	reader, writer := io.Pipe()
	body := &pullResponseBody{iterator: iterator, reader: reader}
	go func() {
		payloadWriter := protocol.NewPayloadWriter(writer)
		for {
			payload, err := iterator.Next()
			if err == io.EOF {
				writer.Close()
				return
			}
			if err != nil {
				writer.CloseWithError(err)
				return
			}
			if err := payloadWriter.Write(payload); err != nil {
				writer.CloseWithError(err)
				return
			}
		}
	}()
	return body
}

func (b *pullResponseBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *pullResponseBody) Close() error {
	b.reader.Close()
	return b.iterator.Close()
}
