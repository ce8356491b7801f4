package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
)

type sentMessage struct {
	to  string
	msg OutboundMessage
}

// fakeSender records every outbound message so tests can assert on the
// exact fan-out without a live transport.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSender) Send(to string, msg OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, msg: msg})
}

func (s *fakeSender) messagesFor(to string) []OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboundMessage
	for _, m := range s.sent {
		if m.to == to {
			out = append(out, m.msg)
		}
	}
	return out
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func newTestRouter(opts RouterOptions) (*Router, *fakeSender) {
	sender := &fakeSender{}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return NewRouter(NewRegistry(), sender, opts), sender
}

func TestRouter_JoinNotifiesExistingMembersOnly(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")

	rt.HandleJoin("x", "room-1")
	if got := sender.messagesFor("x"); len(got) != 0 {
		t.Fatalf("first joiner should receive nothing, got %v", got)
	}

	rt.HandleJoin("y", "room-1")
	got := sender.messagesFor("x")
	if len(got) != 1 || got[0].Type != TypePeerJoined || got[0].ID != "y" {
		t.Fatalf("existing member should receive peer-joined(y), got %v", got)
	}
	if got := sender.messagesFor("y"); len(got) != 0 {
		t.Fatalf("newcomer should receive nothing on join, got %v", got)
	}
}

func TestRouter_JoinMissingRoomDropped(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")

	rt.HandleJoin("x", "")
	if len(sender.sent) != 0 {
		t.Fatalf("malformed join must produce no messages, got %v", sender.sent)
	}
}

func TestRouter_RoomFull(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")
	rt.Connect("z")
	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	sender.reset()

	rt.HandleJoin("z", "room-1")

	got := sender.messagesFor("z")
	if len(got) != 1 || got[0].Type != TypeError {
		t.Fatalf("third joiner should be refused with an error, got %v", got)
	}
	if got := sender.messagesFor("x"); len(got) != 0 {
		t.Fatalf("existing members must not hear about a refused join, got %v", got)
	}
	members := rt.registry.MembersOf("room-1", "")
	if len(members) != 2 {
		t.Fatalf("refused join must not change membership, got %v", members)
	}
}

func TestRouter_TargetedSignalFidelity(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")
	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	sender.reset()

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1","nested":{"deep":[1,2,{"x":null}]}}`)
	rt.HandleSignal("x", InboundMessage{Type: "signal", Room: "room-1", To: "y", Data: payload})

	got := sender.messagesFor("y")
	if len(got) != 1 || got[0].Type != TypeSignal {
		t.Fatalf("target should receive one signal, got %v", got)
	}
	if got[0].From != "x" {
		t.Fatalf("signal must carry sender identity, got %q", got[0].From)
	}
	if !bytes.Equal(got[0].Data, payload) {
		t.Fatalf("payload must pass through byte-identical:\n got %s\nwant %s", got[0].Data, payload)
	}
	if got := sender.messagesFor("x"); len(got) != 0 {
		t.Fatalf("sender must not receive its own signal, got %v", got)
	}
}

func TestRouter_BroadcastSignal(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")
	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	sender.reset()

	payload := json.RawMessage(`{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.2 53421 typ host"}`)
	rt.HandleSignal("y", InboundMessage{Type: "signal", Room: "room-1", Data: payload})

	got := sender.messagesFor("x")
	if len(got) != 1 || got[0].Type != TypeSignal || got[0].From != "y" {
		t.Fatalf("other member should receive the broadcast, got %v", got)
	}
	if !bytes.Equal(got[0].Data, payload) {
		t.Fatalf("broadcast payload altered: got %s", got[0].Data)
	}
	if got := sender.messagesFor("y"); len(got) != 0 {
		t.Fatalf("broadcast must skip the sender, got %v", got)
	}
}

func TestRouter_SignalMalformedDropped(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")
	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	sender.reset()

	rt.HandleSignal("x", InboundMessage{Type: "signal", Data: json.RawMessage(`{}`)})
	rt.HandleSignal("x", InboundMessage{Type: "signal", Room: "room-1"})
	if len(sender.sent) != 0 {
		t.Fatalf("malformed signals must be dropped, got %v", sender.sent)
	}
}

func TestRouter_DanglingTarget(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")
	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	rt.Disconnect("y")
	sender.reset()

	rt.HandleSignal("x", InboundMessage{Type: "signal", Room: "room-1", To: "y", Data: json.RawMessage(`{"type":"answer"}`)})
	if len(sender.sent) != 0 {
		t.Fatalf("signal to a departed target must go nowhere, got %v", sender.sent)
	}
}

func TestRouter_NoCrossRoomLeak(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("a1")
	rt.Connect("a2")
	rt.Connect("b1")
	rt.HandleJoin("a1", "room-a")
	rt.HandleJoin("a2", "room-a")
	rt.HandleJoin("b1", "room-b")
	sender.reset()

	rt.HandleSignal("a1", InboundMessage{Type: "signal", Room: "room-a", Data: json.RawMessage(`{"type":"offer"}`)})
	if got := sender.messagesFor("b1"); len(got) != 0 {
		t.Fatalf("room-b member must not receive room-a traffic, got %v", got)
	}

	// A target that belongs to a different room is treated as absent.
	sender.reset()
	rt.HandleSignal("a1", InboundMessage{Type: "signal", Room: "room-a", To: "b1", Data: json.RawMessage(`{"type":"offer"}`)})
	if len(sender.sent) != 0 {
		t.Fatalf("targeting a non-member must drop the signal, got %v", sender.sent)
	}
}

func TestRouter_DisconnectNotifiesRoommates(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")
	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	sender.reset()

	rt.Disconnect("y")
	got := sender.messagesFor("x")
	if len(got) != 1 || got[0].Type != TypePeerLeft || got[0].ID != "y" {
		t.Fatalf("remaining member should receive peer-left(y), got %v", got)
	}

	// A duplicate disconnect must not emit a second peer-left.
	sender.reset()
	rt.Disconnect("y")
	if len(sender.sent) != 0 {
		t.Fatalf("duplicate disconnect must be silent, got %v", sender.sent)
	}
}

func TestRouter_EndToEndScenario(t *testing.T) {
	rt, sender := newTestRouter(RouterOptions{})
	rt.Connect("x")
	rt.Connect("y")

	rt.HandleJoin("x", "room-42")
	if got := sender.messagesFor("x"); len(got) != 0 {
		t.Fatalf("x should receive nothing on first join, got %v", got)
	}
	if members := rt.registry.MembersOf("room-42", "x"); len(members) != 0 {
		t.Fatalf("room should hold only x, got extra %v", members)
	}

	rt.HandleJoin("y", "room-42")
	if got := sender.messagesFor("x"); len(got) != 1 || got[0].Type != TypePeerJoined || got[0].ID != "y" {
		t.Fatalf("x should see peer-joined(y), got %v", got)
	}
	if got := sender.messagesFor("y"); len(got) != 0 {
		t.Fatalf("y should receive nothing on join, got %v", got)
	}

	sender.reset()
	offer := json.RawMessage(`{"type":"offer","sdp":"..."}`)
	rt.HandleSignal("x", InboundMessage{Type: "signal", Room: "room-42", To: "y", Data: offer})
	got := sender.messagesFor("y")
	if len(got) != 1 || got[0].Type != TypeSignal || got[0].From != "x" || !bytes.Equal(got[0].Data, offer) {
		t.Fatalf("y should receive the offer from x, got %v", got)
	}
	if got := sender.messagesFor("x"); len(got) != 0 {
		t.Fatalf("x should receive nothing back, got %v", got)
	}

	sender.reset()
	rt.Disconnect("y")
	if got := sender.messagesFor("x"); len(got) != 1 || got[0].Type != TypePeerLeft || got[0].ID != "y" {
		t.Fatalf("x should see peer-left(y), got %v", got)
	}
	if members := rt.registry.MembersOf("room-42", ""); len(members) != 1 || members[0] != "x" {
		t.Fatalf("room-42 should hold [x], got %v", members)
	}
}

// fakePresence records mirror calls and can be told to fail.
type fakePresence struct {
	mu      sync.Mutex
	added   []string
	removed []string
	fail    bool
}

func (p *fakePresence) Reset(ctx context.Context) error { return nil }

func (p *fakePresence) AddMember(ctx context.Context, room, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("mirror down")
	}
	p.added = append(p.added, room+"/"+id)
	return nil
}

func (p *fakePresence) RemoveMember(ctx context.Context, room, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("mirror down")
	}
	p.removed = append(p.removed, room+"/"+id)
	return nil
}

func (p *fakePresence) Members(ctx context.Context, room string) ([]string, error) {
	return nil, nil
}

func TestRouter_PresenceMirror(t *testing.T) {
	presence := &fakePresence{}
	rt, _ := newTestRouter(RouterOptions{Presence: presence})
	rt.Connect("x")
	rt.Connect("y")

	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	rt.Disconnect("y")

	if len(presence.added) != 2 {
		t.Fatalf("expected 2 mirrored joins, got %v", presence.added)
	}
	if len(presence.removed) != 1 || presence.removed[0] != "room-1/y" {
		t.Fatalf("expected mirrored removal of y, got %v", presence.removed)
	}
}

func TestRouter_PresenceFailureDoesNotBlockSignaling(t *testing.T) {
	presence := &fakePresence{fail: true}
	rt, sender := newTestRouter(RouterOptions{Presence: presence})
	rt.Connect("x")
	rt.Connect("y")

	rt.HandleJoin("x", "room-1")
	rt.HandleJoin("y", "room-1")
	if got := sender.messagesFor("x"); len(got) != 1 || got[0].Type != TypePeerJoined {
		t.Fatalf("mirror failure must not affect routing, got %v", got)
	}
}
