package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/watchsync/watchsync/backend/model"
	"github.com/watchsync/watchsync/backend/registry"
	"github.com/watchsync/watchsync/backend/storage/memory"
	sw "github.com/watchsync/watchsync/backend/switch"
)

type testEnv struct {
	svc   *Service
	store *memory.MemStore
	ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, registry.New())
}

func newTestEnvWith(t *testing.T, reg ConnRegistry) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	st := memory.NewMemStore()
	svc := NewService(Config{
		RoomStore: st,
		Switch:    sw.NewSwitch(&logger),
		Registry:  reg,
		Logger:    &logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &testEnv{svc: svc, store: st, ctx: ctx}
}

// connect simulates an accepted transport connection.
func (e *testEnv) connect(connID string) model.Wire {
	wire := model.Wire{
		RX: make(chan model.Event, 16),
		TX: make(chan model.Event, 16),
	}
	e.svc.CreateSession(e.ctx, connID, wire)
	return wire
}

func (e *testEnv) sendEvent(t *testing.T, wire model.Wire, connID, eventType string, payload any) {
	t.Helper()
	ev, err := model.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("building %s: %v", eventType, err)
	}
	ev.SRC = connID // the transport re-assigns src on every inbound event
	select {
	case wire.RX <- ev:
	case <-time.After(time.Second):
		t.Fatalf("event loop did not accept %s", eventType)
	}
}

func (e *testEnv) join(t *testing.T, wire model.Wire, connID, room, videoURL, username string) {
	t.Helper()
	e.sendEvent(t, wire, connID, model.EventJoinRoom, model.JoinRoomPayload{
		Room:     room,
		VideoURL: videoURL,
		Username: username,
	})
}

func recvEvent(t *testing.T, wire model.Wire, wantType string) model.Event {
	t.Helper()
	select {
	case ev := <-wire.TX:
		if ev.Type != wantType {
			t.Fatalf("expected %s, got %s", wantType, ev.Type)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", wantType)
		return model.Event{}
	}
}

func expectSilence(t *testing.T, wire model.Wire) {
	t.Helper()
	select {
	case ev := <-wire.TX:
		t.Fatalf("unexpected event: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, ev model.Event) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		t.Fatalf("decoding %s payload: %v", ev.Type, err)
	}
	return out
}

func TestJoinCreatesRoomAndAdmin(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")

	snap := decode[model.Snapshot](t, recvEvent(t, a, model.EventInitVideo))
	if !snap.IsAdmin || snap.Admin != "A" {
		t.Errorf("first joiner must be admin: %+v", snap)
	}
	if snap.UserCount != 1 || snap.RoomName != "r1" || snap.VideoURL != "v1" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.CurrentTime != 0 || snap.IsPlaying {
		t.Errorf("fresh room must start paused at 0: %+v", snap)
	}

	info := decode[model.RoomInfoPayload](t, recvEvent(t, a, model.EventRoomInfoUpdate))
	if info.UserCount != 1 || len(info.Users) != 1 || info.Users[0].ID != "A" {
		t.Errorf("unexpected roster: %+v", info)
	}
	if info.Users[0].Username != "alice" {
		t.Errorf("expected alice, got %s", info.Users[0].Username)
	}
}

func TestSecondJoinerSequence(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	b := env.connect("B")
	env.join(t, b, "B", "r1", "v2", "bob")

	// joiner: private snapshot first, then the roster broadcast;
	// the later videoUrl is ignored
	snap := decode[model.Snapshot](t, recvEvent(t, b, model.EventInitVideo))
	if snap.IsAdmin || snap.Admin != "A" {
		t.Errorf("second joiner must not be admin: %+v", snap)
	}
	if snap.VideoURL != "v1" {
		t.Errorf("room must keep the first joiner's url, got %s", snap.VideoURL)
	}
	if snap.UserCount != 2 {
		t.Errorf("expected userCount 2, got %d", snap.UserCount)
	}
	info := decode[model.RoomInfoPayload](t, recvEvent(t, b, model.EventRoomInfoUpdate))
	if len(info.Users) != 2 || info.Users[0].ID != "A" || info.Users[1].ID != "B" {
		t.Errorf("roster must be in join order: %+v", info.Users)
	}
	expectSilence(t, b) // no user-joined echo to the joiner itself

	// pre-existing member: roster update plus the new-arrival notice
	recvEvent(t, a, model.EventRoomInfoUpdate)
	joined := decode[model.UserPayload](t, recvEvent(t, a, model.EventUserJoined))
	if joined.UserID != "B" || joined.Username != "bob" {
		t.Errorf("unexpected user-joined: %+v", joined)
	}
}

func TestPlaybackAdminGated(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	b := env.connect("B")
	env.join(t, b, "B", "r1", "", "bob")
	recvEvent(t, b, model.EventInitVideo)
	recvEvent(t, b, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventUserJoined)

	// admin command propagates to the other member only
	env.sendEvent(t, a, "A", model.EventPlay, 42.5)
	ev := recvEvent(t, b, model.EventPlay)
	var tm float64
	if err := json.Unmarshal(ev.Payload, &tm); err != nil || tm != 42.5 {
		t.Errorf("expected play 42.5, got %s (%v)", ev.Payload, err)
	}
	expectSilence(t, a)

	room, err := env.store.Get("r1")
	if err != nil {
		t.Fatal("room must exist")
	}
	if ct, playing := room.Playback(); ct != 42.5 || !playing {
		t.Errorf("expected (42.5, true), got (%v, %v)", ct, playing)
	}

	// non-admin command is silently dropped, state untouched
	env.sendEvent(t, b, "B", model.EventPlay, float64(99))
	expectSilence(t, a)
	expectSilence(t, b)
	if ct, playing := room.Playback(); ct != 42.5 || !playing {
		t.Errorf("non-admin play must not change state, got (%v, %v)", ct, playing)
	}

	// pause and seek follow the same gate
	env.sendEvent(t, a, "A", model.EventPause, 43.0)
	recvEvent(t, b, model.EventPause)
	env.sendEvent(t, a, "A", model.EventSeek, 10.0)
	recvEvent(t, b, model.EventSeek)
	if ct, playing := room.Playback(); ct != 10 || playing {
		t.Errorf("expected (10, false), got (%v, %v)", ct, playing)
	}
}

func TestAdminFailoverOnDisconnect(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	b := env.connect("B")
	env.join(t, b, "B", "r1", "", "bob")
	recvEvent(t, b, model.EventInitVideo)
	recvEvent(t, b, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventUserJoined)

	env.svc.DeleteSession(env.ctx, "A")

	// promotion first, then the departure notices
	recvEvent(t, b, model.EventNowAdmin)
	changed := decode[model.AdminChangedPayload](t, recvEvent(t, b, model.EventAdminChanged))
	if changed.OldAdmin != "A" || changed.NewAdmin != "B" {
		t.Errorf("unexpected admin-changed: %+v", changed)
	}
	left := decode[model.UserPayload](t, recvEvent(t, b, model.EventUserLeft))
	if left.UserID != "A" || left.Username != "alice" {
		t.Errorf("unexpected user-left: %+v", left)
	}
	info := decode[model.RoomInfoPayload](t, recvEvent(t, b, model.EventRoomInfoUpdate))
	if info.UserCount != 1 || info.Users[0].ID != "B" {
		t.Errorf("roster must show only B: %+v", info)
	}

	room, err := env.store.Get("r1")
	if err != nil {
		t.Fatal("room must survive with a member left")
	}
	if room.Admin() != "B" {
		t.Errorf("expected admin B, got %s", room.Admin())
	}

	// B can control playback now
	env.sendEvent(t, b, "B", model.EventPlay, 5.0)
	time.Sleep(20 * time.Millisecond)
	if ct, playing := room.Playback(); ct != 5 || !playing {
		t.Errorf("promoted admin must control playback, got (%v, %v)", ct, playing)
	}
}

func TestLastMemberDisconnectDeletesRoom(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	env.svc.DeleteSession(env.ctx, "A")
	if _, err := env.store.Get("r1"); err == nil {
		t.Error("room must be gone after its last member leaves")
	}

	// second invocation is a no-op
	env.svc.DeleteSession(env.ctx, "A")

	// same name starts a fresh session
	b := env.connect("B")
	env.join(t, b, "B", "r1", "v2", "bob")
	snap := decode[model.Snapshot](t, recvEvent(t, b, model.EventInitVideo))
	if !snap.IsAdmin || snap.VideoURL != "v2" || snap.UserCount != 1 {
		t.Errorf("expected a fresh room: %+v", snap)
	}
}

// gatedRegistry pauses inside Bind so a test can schedule other work
// while a join is in flight.
type gatedRegistry struct {
	*registry.Registry
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistry) Bind(connID, room, username string) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Registry.Bind(connID, room, username)
}

func TestDisconnectDuringJoin(t *testing.T) {
	gate := &gatedRegistry{
		Registry: registry.New(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	env := newTestEnvWith(t, gate)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	<-gate.entered // the join handler is now mid-sequence

	done := make(chan struct{})
	go func() {
		env.svc.DeleteSession(env.ctx, "A")
		close(done)
	}()

	// disconnect processing must wait for the join to finish,
	// never interleave with it
	select {
	case <-done:
		t.Fatal("disconnect processing overtook an in-flight join")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect processing did not finish")
	}

	// the join landed first, so teardown saw the membership and
	// removed the last member along with the room
	if _, err := env.store.Get("r1"); err == nil {
		t.Error("no room may survive a disconnect that raced its join")
	}
	if got := env.svc.RoomList(); len(got) != 0 {
		t.Errorf("expected no rooms, got %v", got)
	}
}

func TestJoinAfterDisconnectCreatesNothing(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.svc.DeleteSession(env.ctx, "A")

	// the join event was still queued when the connection died
	env.join(t, a, "A", "r1", "v1", "alice")
	expectSilence(t, a)

	if _, err := env.store.Get("r1"); err == nil {
		t.Error("a dead connection must not create a room")
	}
}

func TestDisconnectBeforeJoin(t *testing.T) {
	env := newTestEnv(t)

	env.connect("A")
	env.svc.DeleteSession(env.ctx, "A") // must not panic or touch any room

	if got := env.svc.RoomList(); len(got) != 0 {
		t.Errorf("no rooms expected, got %v", got)
	}
}

func TestUnjoinedSenderIgnored(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.sendEvent(t, a, "A", model.EventPlay, 1.0)
	env.sendEvent(t, a, "A", model.EventStartVoice, "r1")
	env.sendEvent(t, a, "A", model.EventOffer, model.SignalPayload{To: "B"})
	expectSilence(t, a)

	if got := env.svc.RoomList(); len(got) != 0 {
		t.Errorf("stale events must not create rooms, got %v", got)
	}
}

func TestRepeatedJoinIgnored(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	env.join(t, a, "A", "r2", "v2", "alice")
	expectSilence(t, a)

	if _, err := env.store.Get("r2"); err == nil {
		t.Error("second join must not create another room")
	}
	if room, _ := env.store.Get("r1"); room.MemberCount() != 1 {
		t.Error("membership must be unchanged")
	}
}

func TestEmptyUsernameFallback(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("conn-abcdef")
	env.join(t, a, "conn-abcdef", "r1", "v1", "")
	recvEvent(t, a, model.EventInitVideo)

	info := decode[model.RoomInfoPayload](t, recvEvent(t, a, model.EventRoomInfoUpdate))
	if info.Users[0].Username != "User_conn-a" {
		t.Errorf("expected generated fallback, got %s", info.Users[0].Username)
	}
}

func TestSignalingRelay(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	b := env.connect("B")
	env.join(t, b, "B", "r1", "", "bob")
	recvEvent(t, b, model.EventInitVideo)
	recvEvent(t, b, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventUserJoined)

	env.sendEvent(t, a, "A", model.EventOffer, model.SignalPayload{
		To:    "B",
		Offer: json.RawMessage(`{"type":"offer","sdp":"xyz"}`),
	})
	relayed := decode[model.RelayedSignalPayload](t, recvEvent(t, b, model.EventOffer))
	if relayed.From != "A" {
		t.Errorf("relay must tag the sender, got %s", relayed.From)
	}
	if string(relayed.Offer) != `{"type":"offer","sdp":"xyz"}` {
		t.Errorf("offer must be forwarded verbatim, got %s", relayed.Offer)
	}

	env.sendEvent(t, b, "B", model.EventAnswer, model.SignalPayload{
		To:     "A",
		Answer: json.RawMessage(`{"type":"answer"}`),
	})
	if ev := recvEvent(t, a, model.EventAnswer); decode[model.RelayedSignalPayload](t, ev).From != "B" {
		t.Error("answer must carry the sender id")
	}

	env.sendEvent(t, a, "A", model.EventICECandidate, model.SignalPayload{
		To:        "B",
		Candidate: json.RawMessage(`{"candidate":"c"}`),
	})
	recvEvent(t, b, model.EventICECandidate)

	// unreachable target: silently dropped, nobody else affected
	env.sendEvent(t, a, "A", model.EventOffer, model.SignalPayload{To: "ghost"})
	expectSilence(t, a)
	expectSilence(t, b)
}

func TestVoiceBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	b := env.connect("B")
	env.join(t, b, "B", "r1", "", "bob")
	recvEvent(t, b, model.EventInitVideo)
	recvEvent(t, b, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventRoomInfoUpdate)
	recvEvent(t, a, model.EventUserJoined)

	env.sendEvent(t, b, "B", model.EventStartVoice, "r1")
	ev := recvEvent(t, a, model.EventUserWantsVoice)
	var initiator string
	if err := json.Unmarshal(ev.Payload, &initiator); err != nil || initiator != "B" {
		t.Errorf("expected initiator B, got %s (%v)", ev.Payload, err)
	}
	expectSilence(t, b) // sender excluded

	env.sendEvent(t, b, "B", model.EventVoiceStatus, model.VoiceStatusPayload{Room: "r1", IsActive: true})
	status := decode[model.UserVoiceStatusPayload](t, recvEvent(t, a, model.EventUserVoiceStatus))
	if status.UserID != "B" || status.Username != "bob" || !status.IsActive {
		t.Errorf("unexpected voice status: %+v", status)
	}
	expectSilence(t, b)
}

func TestMalformedPayloadsDoNotCrash(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect("A")

	raw := func(s string) model.Event {
		return model.Event{SRC: "A", Type: model.EventJoinRoom, Payload: json.RawMessage(s)}
	}
	a.RX <- raw(`"not an object"`)
	a.RX <- model.Event{SRC: "A", Type: "bogus-type"}
	env.join(t, a, "A", "r1", "v1", "alice")
	recvEvent(t, a, model.EventInitVideo)
	recvEvent(t, a, model.EventRoomInfoUpdate)

	// malformed time defaults to zero but is still admin-honored
	a.RX <- model.Event{SRC: "A", Type: model.EventSeek, Payload: json.RawMessage(`"oops"`)}
	time.Sleep(20 * time.Millisecond)
	room, err := env.store.Get("r1")
	if err != nil {
		t.Fatal("room must exist")
	}
	if ct, _ := room.Playback(); ct != 0 {
		t.Errorf("malformed seek must default to 0, got %v", ct)
	}
}
