package muster

import (
	"testing"
	"time"
)

func TestRemoveOldMember(t *testing.T) {
	old := []*memberState{
		&memberState{Member: Member{Name: "foo"}},
		&memberState{Member: Member{Name: "bar"}},
		&memberState{Member: Member{Name: "baz"}},
	}

	old = removeOldMember(old, "bar")
	if len(old) != 2 {
		t.Fatalf("should be shorter")
	}
	for _, m := range old {
		if m.Name == "bar" {
			t.Fatalf("should remove old member")
		}
	}
}

func TestRemoveOldMember_Missing(t *testing.T) {
	old := []*memberState{
		&memberState{Member: Member{Name: "foo"}},
	}

	old = removeOldMember(old, "nope")
	if len(old) != 1 {
		t.Fatalf("should not change")
	}
}

func TestRecentIntent(t *testing.T) {
	if recentIntent(nil, "foo") != nil {
		t.Fatalf("should get nil on empty recent")
	}
	if recentIntent([]nodeIntent{}, "foo") != nil {
		t.Fatalf("should get nil on empty recent")
	}

	recent := []nodeIntent{
		{LTime: 1, Node: "foo"},
		{LTime: 2, Node: "bar"},
		{LTime: 3, Node: "baz"},
		{LTime: 4, Node: "bar"},
		{LTime: 0, Node: "bar"},
		{LTime: 5, Node: "bar"},
	}

	if r := recentIntent(recent, "bar"); r == nil || r.LTime != 4 {
		t.Fatalf("bad time for bar")
	}
	if r := recentIntent(recent, "tubez"); r != nil {
		t.Fatalf("got result for tubez")
	}
}

func TestStatusMoreAdvanced(t *testing.T) {
	cases := []struct {
		incoming MemberStatus
		current  MemberStatus
		expect   bool
	}{
		{StatusLeaving, StatusAlive, true},
		{StatusLeft, StatusLeaving, true},
		{StatusFailed, StatusLeft, true},
		{StatusAlive, StatusLeaving, false},
		{StatusAlive, StatusAlive, false},
		{StatusFailed, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := statusMoreAdvanced(tc.incoming, tc.current); got != tc.expect {
			t.Fatalf("%v over %v: got %v", tc.incoming, tc.current, got)
		}
	}
}

func TestMemberState_AcceptStatusChange(t *testing.T) {
	m := &memberState{
		Member:      Member{Name: "foo", Status: StatusAlive},
		statusLTime: 10,
	}

	// Newer time always wins
	if !m.acceptStatusChange(11, StatusLeaving) {
		t.Fatalf("newer time should be accepted")
	}

	// Equal time requires a strictly more advanced status
	if !m.acceptStatusChange(10, StatusLeaving) {
		t.Fatalf("equal time with more advanced status should be accepted")
	}
	if m.acceptStatusChange(10, StatusAlive) {
		t.Fatalf("equal time with equal status should be discarded")
	}

	// Stale messages are discarded silently
	if m.acceptStatusChange(9, StatusFailed) {
		t.Fatalf("older time should be discarded")
	}
}

func TestRoster_EraseNode(t *testing.T) {
	failed := &memberState{Member: Member{Name: "foo", Status: StatusFailed}, leaveTime: time.Now()}
	r := &roster{
		members: map[string]*memberState{
			"foo": failed,
			"bar": &memberState{Member: Member{Name: "bar", Status: StatusAlive}},
		},
		failedMembers: []*memberState{failed},
	}

	r.eraseNode("foo")
	if _, ok := r.members["foo"]; ok {
		t.Fatalf("should erase from registry")
	}
	if len(r.failedMembers) != 0 {
		t.Fatalf("should erase from failed list")
	}
	if _, ok := r.members["bar"]; !ok {
		t.Fatalf("should not touch other members")
	}
}

func TestMemberRegistry_Access(t *testing.T) {
	var mr memberRegistry
	mr.roster = roster{members: make(map[string]*memberState)}

	mr.access(func(r *roster) {
		r.members["foo"] = &memberState{Member: Member{Name: "foo"}}
	})

	var n int
	mr.access(func(r *roster) {
		n = len(r.members)
	})
	if n != 1 {
		t.Fatalf("bad: %d", n)
	}
}
