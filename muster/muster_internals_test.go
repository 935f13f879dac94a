package muster

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
)

// newTestMuster returns an instance wired for driving the internal
// handlers directly, without a transport attached.
func newTestMuster(conf *Config) *Muster {
	if conf == nil {
		conf = DefaultConfig()
	}
	conf.Init()

	m := &Muster{
		config:     conf,
		logger:     log.New(io.Discard, "", log.LstdFlags),
		state:      MusterAlive,
		shutdownCh: make(chan struct{}),
	}
	m.registry.roster = roster{
		members:     make(map[string]*memberState),
		recentJoin:  make([]nodeIntent, conf.RecentIntentBuffer),
		recentLeave: make([]nodeIntent, conf.RecentIntentBuffer),
	}
	m.eventBuffer = make([]*userEvents, conf.EventBuffer)
	m.queryBuffer = make([]*queries, conf.QueryBuffer)
	m.queryResponse = make(map[LamportTime]*QueryResponse)
	m.eventCh = conf.EventCh

	m.broadcasts = &memberlist.TransmitLimitedQueue{NumNodes: m.NumMembers, RetransmitMult: 4}
	m.eventBroadcasts = &memberlist.TransmitLimitedQueue{NumNodes: m.NumMembers, RetransmitMult: 4}
	m.queryBroadcasts = &memberlist.TransmitLimitedQueue{NumNodes: m.NumMembers, RetransmitMult: 4}

	m.clock.Increment()
	m.eventClock.Increment()
	m.queryClock.Increment()
	return m
}

func testNode(name string) *memberlist.Node {
	return &memberlist.Node{
		Name: name,
		Addr: []byte{127, 0, 0, 1},
		Port: 5000,
	}
}

func drainOneEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Millisecond):
		t.Fatalf("timeout waiting for event")
	}
	return nil
}

func expectNoEvent(t *testing.T, ch chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %v", e)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestMuster_HandleNodeJoin(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))

	e := drainOneEvent(t, eventCh)
	me, ok := e.(MemberEvent)
	if !ok || me.Type != EventMemberJoin {
		t.Fatalf("expected member join: %v", e)
	}
	if me.Members[0].Name != "foo" || me.Members[0].Status != StatusAlive {
		t.Fatalf("bad member: %v", me.Members[0])
	}
	if m.NumMembers() != 1 {
		t.Fatalf("bad member count")
	}
}

func TestMuster_HandleNodeJoin_AlreadyAlive(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)

	// A second notify for an alive member carries no transition, even if
	// the address changed.
	n := testNode("foo")
	n.Addr = []byte{127, 0, 0, 2}
	m.handleNodeJoin(n)
	expectNoEvent(t, eventCh)

	// The address is updated regardless
	mem, ok := m.GetMember("foo")
	if !ok || mem.Addr.String() != "127.0.0.2" {
		t.Fatalf("address not updated: %v", mem.Addr)
	}
}

func TestMuster_HandleNodeJoin_Rejoin(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)
	m.handleNodeLeave(testNode("foo"))
	drainOneEvent(t, eventCh)

	// A rejoin counts as a join and clears the tombstone
	m.handleNodeJoin(testNode("foo"))
	e := drainOneEvent(t, eventCh)
	if me, ok := e.(MemberEvent); !ok || me.Type != EventMemberJoin {
		t.Fatalf("expected member join: %v", e)
	}

	m.registry.access(func(r *roster) {
		if len(r.failedMembers) != 0 {
			t.Fatalf("tombstone should be cleared")
		}
		if !r.members["foo"].leaveTime.IsZero() {
			t.Fatalf("leave time should be cleared")
		}
	})
}

func TestMuster_HandleNodeLeave(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)

	// Alive goes to Failed
	m.handleNodeLeave(testNode("foo"))
	e := drainOneEvent(t, eventCh)
	if me, ok := e.(MemberEvent); !ok || me.Type != EventMemberFailed {
		t.Fatalf("expected member failed: %v", e)
	}
	m.registry.access(func(r *roster) {
		if len(r.failedMembers) != 1 {
			t.Fatalf("should be in failed list")
		}
		if r.members["foo"].Status != StatusFailed {
			t.Fatalf("bad status")
		}
		if r.members["foo"].leaveTime.IsZero() {
			t.Fatalf("leave time should be set")
		}
	})

	// A second leave is idempotent
	m.handleNodeLeave(testNode("foo"))
	expectNoEvent(t, eventCh)
	m.registry.access(func(r *roster) {
		if len(r.failedMembers) != 1 {
			t.Fatalf("failed list should not grow")
		}
	})
}

func TestMuster_HandleNodeLeave_Leaving(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)

	// Mark as leaving via an intent
	m.handleNodeLeaveIntent(&messageLeave{LTime: m.clock.Time(), Node: "foo"})

	// Leaving goes to Left
	m.handleNodeLeave(testNode("foo"))
	e := drainOneEvent(t, eventCh)
	if me, ok := e.(MemberEvent); !ok || me.Type != EventMemberLeave {
		t.Fatalf("expected member leave: %v", e)
	}
	m.registry.access(func(r *roster) {
		if len(r.leftMembers) != 1 || len(r.failedMembers) != 0 {
			t.Fatalf("should be in left list only")
		}
	})
}

func TestMuster_HandleNodeLeave_Unknown(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeLeave(testNode("ghost"))
	expectNoEvent(t, eventCh)
	if m.NumMembers() != 0 {
		t.Fatalf("bad member count")
	}
}

func TestMuster_HandleNilNode(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(nil)
	m.handleNodeLeave(nil)
	m.handleNodeUpdate(nil)
	expectNoEvent(t, eventCh)
	if m.NumMembers() != 0 {
		t.Fatalf("nil nodes should not change member count")
	}
}

func TestMuster_HandleNodeUpdate(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)

	n := testNode("foo")
	n.Meta = encodeTags(map[string]string{"role": "web"})
	m.handleNodeUpdate(n)

	e := drainOneEvent(t, eventCh)
	me, ok := e.(MemberEvent)
	if !ok || me.Type != EventMemberUpdate {
		t.Fatalf("expected member update: %v", e)
	}
	if me.Members[0].Tags["role"] != "web" {
		t.Fatalf("tags not updated: %v", me.Members[0].Tags)
	}
}

func TestMuster_HandleNodeUpdate_Unknown(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	// An update for an unknown member is treated as a join
	m.handleNodeUpdate(testNode("foo"))
	e := drainOneEvent(t, eventCh)
	if me, ok := e.(MemberEvent); !ok || me.Type != EventMemberJoin {
		t.Fatalf("expected member join: %v", e)
	}
}

func TestMuster_HandleNodeLeaveIntent_ForceRemove(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)
	m.handleNodeLeave(testNode("foo"))
	drainOneEvent(t, eventCh)

	// A leave intent for a failed member force-promotes it to Left
	m.clock.Increment()
	if !m.handleNodeLeaveIntent(&messageLeave{LTime: m.clock.Time(), Node: "foo"}) {
		t.Fatalf("intent should rebroadcast")
	}

	e := drainOneEvent(t, eventCh)
	if me, ok := e.(MemberEvent); !ok || me.Type != EventMemberLeave {
		t.Fatalf("expected member leave: %v", e)
	}
	m.registry.access(func(r *roster) {
		if len(r.failedMembers) != 0 || len(r.leftMembers) != 1 {
			t.Fatalf("should move from failed to left")
		}
		if r.members["foo"].Status != StatusLeft {
			t.Fatalf("bad status: %v", r.members["foo"].Status)
		}
	})
}

func TestMuster_HandleNodeLeaveIntent_Stale(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	m.handleNodeJoin(testNode("foo"))
	drainOneEvent(t, eventCh)
	m.registry.access(func(r *roster) {
		r.members["foo"].statusLTime = 10
	})

	// Stale intents are discarded silently
	if m.handleNodeLeaveIntent(&messageLeave{LTime: 5, Node: "foo"}) {
		t.Fatalf("stale intent should not rebroadcast")
	}
	m.registry.access(func(r *roster) {
		if r.members["foo"].Status != StatusAlive {
			t.Fatalf("stale intent should not transition")
		}
	})
}

func TestMuster_HandleNodeLeaveIntent_Buffered(t *testing.T) {
	m := newTestMuster(nil)

	// An intent for an unknown member lands in the buffer
	if !m.handleNodeLeaveIntent(&messageLeave{LTime: 10, Node: "foo"}) {
		t.Fatalf("first intent should rebroadcast")
	}
	if m.handleNodeLeaveIntent(&messageLeave{LTime: 10, Node: "foo"}) {
		t.Fatalf("duplicate intent should not rebroadcast")
	}

	// When the member arrives, the buffered intent marks it leaving
	m.handleNodeJoin(testNode("foo"))
	m.registry.access(func(r *roster) {
		if r.members["foo"].Status != StatusLeaving {
			t.Fatalf("member should start leaving: %v", r.members["foo"].Status)
		}
	})
}

func TestMuster_HandleUserEvent_Dedup(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	msg := &messageUserEvent{LTime: 2, Name: "deploy", Payload: []byte("v1")}
	if !m.handleUserEvent(msg) {
		t.Fatalf("fresh event should rebroadcast")
	}
	drainOneEvent(t, eventCh)

	// Identical (LTime, name, payload) is suppressed
	if m.handleUserEvent(msg) {
		t.Fatalf("duplicate event should be suppressed")
	}
	expectNoEvent(t, eventCh)

	// Same time, different payload is a distinct event
	other := &messageUserEvent{LTime: 2, Name: "deploy", Payload: []byte("v2")}
	if !m.handleUserEvent(other) {
		t.Fatalf("distinct event should pass")
	}
	drainOneEvent(t, eventCh)
}

func TestMuster_HandleUserEvent_TooOld(t *testing.T) {
	conf := DefaultConfig()
	conf.EventBuffer = 8
	m := newTestMuster(conf)

	m.eventClock.Witness(100)

	if m.handleUserEvent(&messageUserEvent{LTime: 1, Name: "old"}) {
		t.Fatalf("too-old event should be dropped")
	}
}

func TestMuster_HandleQuery_Dedup(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	q := &messageQuery{LTime: 2, ID: 42, Name: "load", Timeout: time.Second}
	if !m.handleQuery(q) {
		t.Fatalf("fresh query should rebroadcast")
	}
	e := drainOneEvent(t, eventCh)
	qe, ok := e.(*Query)
	if !ok || qe.Name != "load" || qe.LTime != 2 {
		t.Fatalf("bad query event: %v", e)
	}

	if m.handleQuery(q) {
		t.Fatalf("duplicate query should be suppressed")
	}
	expectNoEvent(t, eventCh)

	// Same time, different ID is distinct
	q2 := &messageQuery{LTime: 2, ID: 43, Name: "load", Timeout: time.Second}
	if !m.handleQuery(q2) {
		t.Fatalf("distinct query should pass")
	}
	drainOneEvent(t, eventCh)
}

func TestMuster_UserEvent_SizeLimit(t *testing.T) {
	m := newTestMuster(nil)

	err := m.UserEvent("this is too large an event", make([]byte, 512), false)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "user event exceeds") {
		t.Fatalf("bad error: %v", err)
	}
}

func TestMuster_UserEvent_SizeBoundary(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	name := "boundary"
	max := m.config.UserEventSizeLimit - len(name) - userEventSizeOverhead

	// Exactly at the limit succeeds
	if err := m.UserEvent(name, make([]byte, max), false); err != nil {
		t.Fatalf("err: %v", err)
	}
	drainOneEvent(t, eventCh)

	// One byte over fails
	err := m.UserEvent(name, make([]byte, max+1), false)
	if err == nil || !strings.Contains(err.Error(), "user event exceeds") {
		t.Fatalf("bad error: %v", err)
	}
}

func TestMuster_UserEvent_EmptyPayload(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	if err := m.UserEvent("ping", nil, true); err != nil {
		t.Fatalf("err: %v", err)
	}
	e := drainOneEvent(t, eventCh)
	ue, ok := e.(UserEvent)
	if !ok {
		t.Fatalf("expected user event: %v", e)
	}
	if len(ue.Payload) != 0 {
		t.Fatalf("payload should be empty")
	}
	if !ue.Coalesce {
		t.Fatalf("coalesce flag should be preserved")
	}
}

func TestMuster_UserEvent_RoundTrip(t *testing.T) {
	eventCh := make(chan Event, 4)
	conf := DefaultConfig()
	conf.EventCh = eventCh
	m := newTestMuster(conf)

	payload := []byte{0x00, 0xff, 0x42}
	if err := m.UserEvent("deploy", payload, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	e := drainOneEvent(t, eventCh)
	ue := e.(UserEvent)
	if ue.Name != "deploy" || string(ue.Payload) != string(payload) || ue.Coalesce {
		t.Fatalf("event did not round trip: %#v", ue)
	}
}

func TestMuster_UserEvent_NotAlive(t *testing.T) {
	m := newTestMuster(nil)
	m.state = MusterLeft

	err := m.UserEvent("x", nil, false)
	if err == nil || !strings.Contains(err.Error(), "UserEvent not allowed") {
		t.Fatalf("bad error: %v", err)
	}
}

func TestMuster_Members_Snapshot(t *testing.T) {
	m := newTestMuster(nil)

	m.handleNodeJoin(testNode("foo"))
	members := m.Members()
	if len(members) != 1 {
		t.Fatalf("bad members: %v", members)
	}

	// Later mutations must not retroactively change the snapshot
	m.handleNodeJoin(testNode("bar"))
	m.eraseNode("foo")
	if len(members) != 1 || members[0].Name != "foo" {
		t.Fatalf("snapshot mutated: %v", members)
	}
}

func TestMuster_MergeRemoteState(t *testing.T) {
	m := newTestMuster(nil)

	pp := messagePushPull{
		LTime:        42,
		EventLTime:   50,
		QueryLTime:   60,
		StatusLTimes: map[string]LamportTime{"foo": 20, "gone": 30},
		LeftMembers:  []string{"gone"},
	}
	m.mergeRemoteState(&pp)

	if m.clock.Time() < 41 {
		t.Fatalf("clock not witnessed: %d", m.clock.Time())
	}
	if m.eventClock.Time() < 49 {
		t.Fatalf("event clock not witnessed: %d", m.eventClock.Time())
	}
	if m.queryClock.Time() < 59 {
		t.Fatalf("query clock not witnessed: %d", m.queryClock.Time())
	}

	// The intents should be buffered for the unknown members
	m.registry.access(func(r *roster) {
		if recentIntent(r.recentJoin, "foo") == nil {
			t.Fatalf("join intent should be buffered")
		}
		if recentIntent(r.recentLeave, "gone") == nil {
			t.Fatalf("leave intent should be buffered")
		}
	})
}
