package ploggy

import (
	"testing"

	"github.com/mak2salazarjr/ploggy/protocol"
)

func postPayload(id string) protocol.Payload {
	return protocol.NewPostPayload(&protocol.Post{ID: id, GroupID: "g", PublisherID: "self"})
}

func TestPushQueueFIFOPerFriend(t *testing.T) {
	q := newPushQueue()
	q.enqueue("alice", postPayload("p1"))
	q.enqueue("bob", postPayload("p2"))
	q.enqueue("alice", postPayload("p3"))
	q.enqueue("alice", postPayload("p4"))

	var got []string
	for {
		payload, ok := q.dequeue("alice")
		if !ok {
			break
		}
		got = append(got, payload.Post.ID)
	}
	want := []string{"p1", "p3", "p4"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d payloads, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if q.isEmpty("bob") {
		t.Error("Bob's queue should still hold a payload")
	}
	payload, ok := q.dequeue("bob")
	if !ok || payload.Post.ID != "p2" {
		t.Errorf("Expected p2 for bob, got %v", payload.Post)
	}
}

func TestPushQueueDequeueEmpty(t *testing.T) {
	q := newPushQueue()
	if _, ok := q.dequeue("nobody"); ok {
		t.Error("Dequeue of unknown friend should report empty")
	}
	if !q.isEmpty("nobody") {
		t.Error("Unknown friend queue should be empty")
	}
}

func TestTaskRegistryAtMostOnePerSlot(t *testing.T) {
	r := newTaskRegistry()
	if !r.occupy(TaskPushTo, "alice") {
		t.Fatal("First occupy should succeed")
	}
	if r.occupy(TaskPushTo, "alice") {
		t.Error("Second occupy of the same slot should fail")
	}
	// Distinct kind and distinct friend are independent slots.
	if !r.occupy(TaskPullFrom, "alice") {
		t.Error("Different kind should be an independent slot")
	}
	if !r.occupy(TaskPushTo, "bob") {
		t.Error("Different friend should be an independent slot")
	}
	if r.size() != 3 {
		t.Errorf("Expected 3 occupied slots, got %d", r.size())
	}

	r.release(TaskPushTo, "alice")
	if r.occupied(TaskPushTo, "alice") {
		t.Error("Released slot should be vacant")
	}
	if !r.occupy(TaskPushTo, "alice") {
		t.Error("Occupy after release should succeed")
	}
}

func TestTaskRegistryReleaseIsIdempotent(t *testing.T) {
	r := newTaskRegistry()
	r.occupy(TaskAskPull, "alice")
	r.release(TaskAskPull, "alice")
	r.release(TaskAskPull, "alice")
	if r.size() != 0 {
		t.Errorf("Expected empty registry, got %d slots", r.size())
	}
}

func TestFriendTaskKindString(t *testing.T) {
	kinds := map[FriendTaskKind]string{
		TaskAskPull:      "askPull",
		TaskAskLocation:  "askLocation",
		TaskPushTo:       "pushTo",
		TaskPullFrom:     "pullFrom",
		TaskDownloadFrom: "downloadFrom",
	}
	for kind, want := range kinds {
		if kind.String() != want {
			t.Errorf("Expected %q, got %q", want, kind.String())
		}
	}
}
