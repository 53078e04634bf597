package iceagent

import "testing"

func TestPollEventEmpty(t *testing.T) {
	t.Parallel()

	a := &Agent{}
	if _, ok := a.PollEvent(); ok {
		t.Fatal("PollEvent on a fresh agent should report nothing queued")
	}
}

func TestEventTypesImplementEvent(t *testing.T) {
	t.Parallel()

	var events []Event
	events = append(events,
		ConnectedEvent{},
		DisconnectedEvent{},
		FailedEvent{Err: nil},
		InboundPacketEvent{Data: []byte("x")},
	)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
}
