package muster

import (
	"github.com/hashicorp/memberlist"
)

// eventDelegate adapts the memberlist event callbacks into member state
// transitions on the host. Nil nodes are tolerated since the transport is
// not trusted to be well-behaved.
type eventDelegate struct {
	muster *Muster
}

// newEventDelegate constructs the delegate for a host. The host must be
// non-nil; the transport invokes the callbacks without any guard.
func newEventDelegate(m *Muster) (*eventDelegate, error) {
	if m == nil {
		return nil, errNilHost
	}
	return &eventDelegate{muster: m}, nil
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.muster.handleNodeJoin(n)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.muster.handleNodeLeave(n)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.muster.handleNodeUpdate(n)
}
