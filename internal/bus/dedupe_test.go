package bus

import (
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	if c.IsDuplicate("k1") {
		t.Error("first sighting flagged as duplicate")
	}
	if !c.IsDuplicate("k1") {
		t.Error("second sighting not flagged")
	}
	if c.IsDuplicate("k2") {
		t.Error("unrelated key flagged")
	}
}

func TestDedupeKeyShape(t *testing.T) {
	env := &Envelope{
		Channel:   "mezon",
		Sender:    Sender{ID: "u1"},
		ChatType:  ChatDirect,
		MessageID: "m1",
	}
	if got := DedupeKey(env); got != "mezon|u1|u1|m1" {
		t.Errorf("unexpected key %q", got)
	}

	// Without a message id, keys must not collide across timestamps.
	a := &Envelope{Channel: "mezon", Sender: Sender{ID: "u1"}, ChatType: ChatDirect, Timestamp: 1}
	b := &Envelope{Channel: "mezon", Sender: Sender{ID: "u1"}, ChatType: ChatDirect, Timestamp: 2}
	if DedupeKey(a) == DedupeKey(b) {
		t.Error("id-less envelopes collided")
	}
}
