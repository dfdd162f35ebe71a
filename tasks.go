package ploggy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/metrics"
	"github.com/mak2salazarjr/ploggy/prefs"
	"github.com/mak2salazarjr/ploggy/protocol"
	"github.com/mak2salazarjr/ploggy/store"
)

// runFriendTask executes one task body on the local-work pool. Every
// body shares the same preamble (abort without error when the circuit
// is down or the friend is gone) and epilogue (release the slot on
// every exit path).
func (e *Engine) runFriendTask(kind FriendTaskKind, friendID string) {
	if kind == TaskPushTo {
		// The push body releases its own slot: the release happens
		// atomically with the final empty-queue check.
		e.runPushToFriend(friendID)
		return
	}
	defer e.completeFriendTask(kind, friendID)

	if !e.isCircuitEstablished() {
		return
	}
	friend, err := e.store.GetFriendByID(friendID)
	if err != nil {
		// Friend was deleted while the task was queued. A
		// RemovedFriend restart will clean the schedule.
		return
	}

	switch kind {
	case TaskAskPull:
		e.askPullFromFriend(friend)
	case TaskAskLocation:
		e.askLocationFromFriend(friend)
	case TaskPullFrom:
		e.pullFromFriend(friend)
	case TaskDownloadFrom:
		e.downloadFromFriend(friend)
	}
}

func (e *Engine) taskLog(task string, friend *store.Friend) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": task,
		"friend":   friend.PublicIdentity.Nickname,
	})
}

// askPullFromFriend nudges the friend to initiate a pull against us.
func (e *Engine) askPullFromFriend(friend *store.Friend) {
	peerClient := e.currentPeerClient()
	if peerClient == nil {
		return
	}
	e.taskLog("askPullFromFriend", friend).Info("Ask pull to friend")
	err := peerClient.Do(friend, &PeerRequest{
		Method: http.MethodGet,
		Path:   protocol.AskPullPath,
	})
	if err != nil {
		e.taskLog("askPullFromFriend", friend).WithError(err).Warn("Failed to ask pull")
	}
}

// askLocationFromFriend asks the friend for a location fix. The peer
// rejects when it is not currently sharing location.
func (e *Engine) askLocationFromFriend(friend *store.Friend) {
	peerClient := e.currentPeerClient()
	if peerClient == nil {
		return
	}
	e.taskLog("askLocationFromFriend", friend).Info("Ask location to friend")
	err := peerClient.Do(friend, &PeerRequest{
		Method: http.MethodGet,
		Path:   protocol.AskLocationPath,
	})
	if err != nil {
		e.taskLog("askLocationFromFriend", friend).WithError(err).Warn("Failed to ask location")
	}
}

// runPushToFriend drains the friend's push queue, one PUT per payload,
// confirming delivery of groups and posts so sequence counters
// advance. The slot is released inside dequeuePushOrComplete when the
// queue is observed empty, or by the error paths below.
func (e *Engine) runPushToFriend(friendID string) {
	completed := false
	defer func() {
		if !completed {
			e.completeFriendTask(TaskPushTo, friendID)
		}
	}()

	if !e.isCircuitEstablished() {
		return
	}
	friend, err := e.store.GetFriendByID(friendID)
	if err != nil {
		return
	}
	peerClient := e.currentPeerClient()
	if peerClient == nil {
		return
	}

	for {
		payload, ok := e.dequeuePushOrComplete(friendID)
		if !ok {
			completed = true
			return
		}
		e.taskLog("runPushToFriend", friend).Info("Push to friend")
		body, err := json.Marshal(payload)
		if err != nil {
			e.taskLog("runPushToFriend", friend).WithError(err).Error("Failed to encode push payload")
			return
		}
		err = peerClient.Do(friend, &PeerRequest{
			Method: http.MethodPut,
			Path:   protocol.PushPath,
			Body:   body,
		})
		if err != nil {
			e.taskLog("runPushToFriend", friend).WithError(err).Warn("Failed to push")
			return
		}
		switch payload.Type {
		case protocol.PayloadGroup, protocol.PayloadPost:
			if err := e.store.ConfirmSentTo(friend.ID, payload); err != nil {
				e.taskLog("runPushToFriend", friend).WithError(err).Error("Failed to confirm delivery")
				return
			}
		}
		metrics.PushesDelivered.Inc()
	}
}

// pullFromFriend pulls twice. The first exchange transfers data and,
// when the store holds undelivered local data, asks for a reciprocal
// pull; the second acknowledges receipt through the advanced sequence
// numbers and may collect late items.
func (e *Engine) pullFromFriend(friend *store.Friend) {
	peerClient := e.currentPeerClient()
	if peerClient == nil {
		return
	}
	e.taskLog("pullFromFriend", friend).Info("Pull from friend")

	for i := 0; i < 2; i++ {
		pullRequest, err := e.store.GetPullRequest(friend.ID)
		if err != nil {
			e.taskLog("pullFromFriend", friend).WithError(err).Warn("Failed to derive pull request")
			return
		}
		// Only the first exchange may carry the store-derived
		// reciprocal request; the second is purely an acknowledgment.
		if i > 0 {
			pullRequest.RequestReciprocal = false
		}

		body, err := json.Marshal(pullRequest)
		if err != nil {
			e.taskLog("pullFromFriend", friend).WithError(err).Error("Failed to encode pull request")
			return
		}
		err = peerClient.Do(friend, &PeerRequest{
			Method:          http.MethodPut,
			Path:            protocol.PullPath,
			Body:            body,
			ResponseHandler: e.makePullResponseHandler(friend.ID, pullRequest),
		})
		if err != nil {
			e.taskLog("pullFromFriend", friend).WithError(err).Warn("Failed to pull")
			return
		}
	}
	metrics.PullsCompleted.Inc()
}

// makePullResponseHandler consumes a pull response stream, committing
// partial transactions whenever the accumulated object count reaches
// the store's limit. Only the first commit carries the pull request:
// follow-up commits must not re-apply its acknowledgment.
func (e *Engine) makePullResponseHandler(friendID string, pullRequest *protocol.PullRequest) func(io.Reader) error {
	return func(responseBody io.Reader) error {
		maxObjects := e.store.MaxPullTransactionObjectCount()
		request := pullRequest
		var groups []*protocol.Group
		var posts []*protocol.Post

		reader := protocol.NewPayloadReader(responseBody)
		for {
			payload, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := payload.Validate(); err != nil {
				return err
			}
			switch payload.Type {
			case protocol.PayloadGroup:
				groups = append(groups, payload.Group)
			case protocol.PayloadPost:
				posts = append(posts, payload.Post)
			}
			if len(groups)+len(posts) >= maxObjects {
				if err := e.store.PutPullResponse(friendID, request, groups, posts); err != nil {
					return err
				}
				request = nil
				groups = nil
				posts = nil
			}
		}
		return e.store.PutPullResponse(friendID, request, groups, posts)
	}
}

// downloadFromFriend resumes every pending download from the friend
// inside a single slot occupation, appending fetched bytes to the
// partial file on disk.
func (e *Engine) downloadFromFriend(friend *store.Friend) {
	if e.preferences.Bool(prefs.KeyExchangeFilesWifiOnly) && !e.network.IsConnectedWifi() {
		// Will retry on the next download poll.
		return
	}
	peerClient := e.currentPeerClient()
	if peerClient == nil {
		return
	}

	for {
		download, err := e.store.GetNextInProgressDownload(friend.ID)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			e.taskLog("downloadFromFriend", friend).WithError(err).Error("Failed to fetch download record")
			return
		}

		downloadedSize, err := e.resources.DownloadedSize(download)
		if err != nil {
			e.taskLog("downloadFromFriend", friend).WithError(err).Error("Failed to stat partial download")
			return
		}
		if downloadedSize == download.Size {
			// The full file is on disk; only the completion state
			// commit was lost. Skip the fetch.
		} else {
			e.taskLog("downloadFromFriend", friend).WithFields(logrus.Fields{
				"resource": download.ResourceID,
				"offset":   downloadedSize,
			}).Info("Download from friend")
			output, err := e.resources.OpenDownloadForAppending(download)
			if err != nil {
				e.taskLog("downloadFromFriend", friend).WithError(err).Error("Failed to open download file")
				return
			}
			offset := downloadedSize
			err = peerClient.Do(friend, &PeerRequest{
				Method:          http.MethodGet,
				Path:            protocol.DownloadPath,
				QueryParameters: map[string]string{protocol.DownloadResourceIDParameter: download.ResourceID},
				RangeOffset:     &offset,
				ResponseOutput:  output,
			})
			output.Close()
			if err != nil {
				e.taskLog("downloadFromFriend", friend).WithError(err).Warn("Failed to download")
				return
			}
		}
		if err := e.store.UpdateDownloadState(friend.ID, download.ResourceID, store.DownloadStateComplete); err != nil {
			e.taskLog("downloadFromFriend", friend).WithError(err).Error("Failed to mark download complete")
			return
		}
		metrics.DownloadsCompleted.Inc()
	}
}
