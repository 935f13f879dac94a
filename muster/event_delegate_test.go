package muster

import (
	"testing"
)

func TestNewEventDelegate_NilHost(t *testing.T) {
	if _, err := newEventDelegate(nil); err == nil {
		t.Fatalf("expected error for nil host")
	}
}

func TestEventDelegate_NilNodes(t *testing.T) {
	m := newTestMuster(nil)
	ed, err := newEventDelegate(m)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// The transport is not trusted to be well-behaved; nil nodes are
	// silently ignored.
	ed.NotifyJoin(nil)
	ed.NotifyLeave(nil)
	ed.NotifyUpdate(nil)

	if m.NumMembers() != 0 {
		t.Fatalf("nil notifications changed membership")
	}
}

func TestEventDelegate_Dispatch(t *testing.T) {
	m := newTestMuster(nil)
	ed, err := newEventDelegate(m)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	ed.NotifyJoin(testNode("foo"))
	if m.NumMembers() != 1 {
		t.Fatalf("join not dispatched")
	}

	ed.NotifyLeave(testNode("foo"))
	mem, ok := m.GetMember("foo")
	if !ok || mem.Status != StatusFailed {
		t.Fatalf("leave not dispatched: %v", mem.Status)
	}
}
