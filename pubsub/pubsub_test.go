package pubsub

import (
	"testing"
	"time"

	"github.com/fieldline/fieldsync/internal"
)

func TestPubSubDelivers(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()

	got := make(chan Payload, 1)
	go ps.Listen(ChanChanges, func(p Payload) {
		got <- p
	})

	want := &EntityChanged{Family: internal.FamilyJob, EntityID: "job-1", Version: 2}
	if err := ps.Notify(ChanChanges, want); err != nil {
		t.Fatalf("Notify: %s", err)
	}

	select {
	case p := <-got:
		ec, ok := p.(*EntityChanged)
		if !ok || ec.EntityID != "job-1" || ec.Version != 2 {
			t.Fatalf("wrong payload delivered: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("payload never delivered")
	}
}

func TestPubSubChannelsAreIndependent(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()

	got := make(chan Payload, 1)
	go ps.Listen(ChanSync, func(p Payload) {
		got <- p
	})

	// a payload on another channel does not reach this listener
	if err := ps.Notify(ChanChanges, &EntityChanged{EntityID: "job-1"}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err := ps.Notify(ChanSync, &SyncCompleted{DeviceID: "device-1", Applied: 3}); err != nil {
		t.Fatalf("Notify: %s", err)
	}

	select {
	case p := <-got:
		sc, ok := p.(*SyncCompleted)
		if !ok || sc.DeviceID != "device-1" {
			t.Fatalf("listener received a payload from the wrong channel: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("payload never delivered")
	}
}

func TestPubSubCloseStopsListeners(t *testing.T) {
	ps := NewPubSub(10)
	done := make(chan struct{})
	go func() {
		ps.Listen(ChanChanges, func(p Payload) {})
		close(done)
	}()
	// give the listener a moment to subscribe before closing
	time.Sleep(10 * time.Millisecond)
	ps.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Listen did not return after Close")
	}
}
