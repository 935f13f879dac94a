package muster

import (
	"net"
	"sync"
	"time"
)

// MemberStatus is the state that a member is in.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Member is a single member of the cluster.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status MemberStatus

	// The minimum, maximum, and current values of the protocol versions
	// and delegate (muster) protocol versions that each member can
	// understand or is speaking.
	ProtocolMin uint8
	ProtocolMax uint8
	ProtocolCur uint8
	DelegateMin uint8
	DelegateMax uint8
	DelegateCur uint8
}

// Role returns the legacy "role" tag of the member.
func (m *Member) Role() string {
	return m.Tags["role"]
}

// memberState is used to track members that are no longer active due to
// leaving, failing, partitioning, etc. It tracks the member along with
// when that member was marked as leaving.
type memberState struct {
	Member
	statusLTime LamportTime // lamport clock time of last received message
	leaveTime   time.Time   // wall clock time of leave
}

// roster is the canonical registry of members along with the failed and
// left tombstone lists and the recent intent buffers. It is only ever
// touched from inside a closure passed to memberRegistry.access, so the
// fields need no locking of their own.
type roster struct {
	members       map[string]*memberState
	failedMembers []*memberState
	leftMembers   []*memberState

	// Circular buffers for recent intents, used in case we get an
	// intent before the relevant memberlist event
	recentLeave      []nodeIntent
	recentLeaveIndex int
	recentJoin       []nodeIntent
	recentJoinIndex  int
}

// memberRegistry serialises every read and mutation of the roster. The
// roster is only reachable through access, which scopes the exclusive
// lock to the provided closure and releases it on every exit path. No
// event callbacks run while the lock is held; handlers collect what to
// emit inside the closure and deliver after access returns.
type memberRegistry struct {
	l      sync.Mutex
	roster roster
}

func (mr *memberRegistry) access(fn func(*roster)) {
	mr.l.Lock()
	defer mr.l.Unlock()
	fn(&mr.roster)
}

// statusMoreAdvanced ranks statuses for tie-breaking when two status
// messages carry the same lamport time. A strictly "more advanced" status
// wins: Alive < Leaving < Left < Failed.
func statusMoreAdvanced(incoming, current MemberStatus) bool {
	rank := func(s MemberStatus) int {
		switch s {
		case StatusAlive:
			return 1
		case StatusLeaving:
			return 2
		case StatusLeft:
			return 3
		case StatusFailed:
			return 4
		}
		return 0
	}
	return rank(incoming) > rank(current)
}

// acceptStatusChange applies the tie-breaking rule for a status message
// carrying a lamport time against the member's current state.
func (m *memberState) acceptStatusChange(ltime LamportTime, status MemberStatus) bool {
	if ltime > m.statusLTime {
		return true
	}
	return ltime == m.statusLTime && statusMoreAdvanced(status, m.Status)
}

// removeOldMember is used to remove an old member from a list of old
// members.
func removeOldMember(old []*memberState, name string) []*memberState {
	for i, m := range old {
		if m.Name == name {
			n := len(old)
			copy(old[i:], old[i+1:])
			old[n-1] = nil
			return old[:n-1]
		}
	}

	return old
}

// eraseNode removes the named member from the registry and from both
// tombstone lists. Used by the reaper and by administrative removal.
func (r *roster) eraseNode(name string) {
	delete(r.members, name)
	r.failedMembers = removeOldMember(r.failedMembers, name)
	r.leftMembers = removeOldMember(r.leftMembers, name)
}

// recentIntent checks the recent intent buffer for a matching entry for a
// given node, and either returns the message or nil.
func recentIntent(recent []nodeIntent, node string) (intent *nodeIntent) {
	for i := 0; i < len(recent); i++ {
		// Break fast if we hit a zero entry
		if recent[i].LTime == 0 {
			break
		}

		// Check for a node match
		if recent[i].Node == node {
			// Take the most recent entry
			if intent == nil || recent[i].LTime > intent.LTime {
				intent = &recent[i]
			}
		}
	}
	return
}
