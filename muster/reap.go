package muster

import (
	"time"
)

// handleReap periodically reaps the list of failed and left members. The
// recent intent buffers are not reaped; they are fixed-size rings that
// new intents overwrite.
func (s *Muster) handleReap() {
	for {
		select {
		case <-time.After(s.config.ReapInterval):
			now := time.Now()
			s.registry.access(func(r *roster) {
				r.failedMembers = reap(r, r.failedMembers, now, s.config.ReconnectTimeout)
				r.leftMembers = reap(r, r.leftMembers, now, s.config.TombstoneTimeout)
			})
		case <-s.shutdownCh:
			return
		}
	}
}

// reap is called with a list of old members and a timeout, and removes
// members that have exceeded the timeout. The members are removed from
// both the old list and the registry. Reaping is silent: no events are
// emitted for collected tombstones, and entries below the timeout keep
// their position in the list.
func reap(r *roster, old []*memberState, now time.Time, timeout time.Duration) []*memberState {
	n := len(old)
	for i := 0; i < n; i++ {
		m := old[i]

		// Skip if the timeout is not yet reached
		if now.Sub(m.leaveTime) < timeout {
			continue
		}

		// Delete from the list
		copy(old[i:], old[i+1:])
		old[n-1] = nil
		old = old[:n-1]
		n--
		i--

		// Delete from members
		delete(r.members, m.Name)
	}

	return old
}
