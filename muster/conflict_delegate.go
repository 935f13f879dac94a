package muster

import (
	"github.com/hashicorp/memberlist"
)

type conflictDelegate struct {
	muster *Muster
}

func (c *conflictDelegate) NotifyConflict(existing, other *memberlist.Node) {
	c.muster.handleNodeConflict(existing, other)
}
