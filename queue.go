package ploggy

import "github.com/mak2salazarjr/ploggy/protocol"

// pushQueue holds per-friend FIFO queues of outbound payloads awaiting
// delivery. It is not internally synchronized: all access happens
// under the engine mutex.
type pushQueue struct {
	queues map[string][]protocol.Payload
}

func newPushQueue() *pushQueue {
	return &pushQueue{queues: make(map[string][]protocol.Payload)}
}

// enqueue appends a payload to the friend's queue, creating it lazily.
func (q *pushQueue) enqueue(friendID string, payload protocol.Payload) {
	q.queues[friendID] = append(q.queues[friendID], payload)
}

// dequeue removes and returns the head of the friend's queue.
func (q *pushQueue) dequeue(friendID string) (protocol.Payload, bool) {
	queue := q.queues[friendID]
	if len(queue) == 0 {
		return protocol.Payload{}, false
	}
	payload := queue[0]
	remaining := queue[1:]
	if len(remaining) == 0 {
		delete(q.queues, friendID)
	} else {
		q.queues[friendID] = remaining
	}
	return payload, true
}

// isEmpty reports whether the friend's queue has no pending payloads.
func (q *pushQueue) isEmpty(friendID string) bool {
	return len(q.queues[friendID]) == 0
}
