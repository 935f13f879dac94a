package muster

import (
	"math/rand"
	"net"
	"time"

	"github.com/armon/go-metrics"
)

// reconnectJoinTimeout bounds how long a reconnect tick waits on an
// in-flight join before moving on. Shutdown does not wait for the join;
// it ends the wait at once.
const reconnectJoinTimeout = time.Second

// handleReconnect attempts to reconnect to recently failed nodes
// on configured intervals.
func (s *Muster) handleReconnect() {
	for {
		select {
		case <-time.After(s.config.ReconnectInterval):
			s.reconnect()
		case <-s.shutdownCh:
			return
		}
	}
}

// reconnect attempts to reconnect to recently failed nodes.
func (s *Muster) reconnect() {
	var addr net.IP
	var port uint16
	var name string
	s.registry.access(func(r *roster) {
		// Nothing to do if there are no failed members
		n := len(r.failedMembers)
		if n == 0 {
			return
		}

		// Probability we should attempt to reconnect is given
		// by num failed / num alive (members that are neither failed
		// nor left), meaning we probabilistically
		// expect the cluster to attempt to connect to each failed member
		// once per reconnect interval
		numFailed := float32(n)
		numAlive := float32(len(r.members) - len(r.failedMembers) - len(r.leftMembers))
		if numAlive == 0 {
			numAlive = 1 // guard against zero divide
		}
		prob := numFailed / numAlive
		if rand.Float32() > prob {
			s.logger.Printf("[DEBUG] muster: forgoing reconnect for random throttling")
			return
		}

		// Select a random member to try and join
		idx := rand.Intn(n)
		mem := r.failedMembers[idx]
		addr = mem.Addr
		port = mem.Port
		name = mem.Name
	})
	if addr == nil {
		return
	}

	s.logger.Printf("[INFO] muster: attempting reconnect to %v %s", name, addrStr(addr, port))
	joinAddr := addrStr(addr, port)

	// Attempt to join at the memberlist level. The join runs on its own
	// goroutine so that a hung dial cannot hold up shutdown; errors are
	// logged and never propagated.
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		defer metrics.MeasureSince([]string{"muster", "reconnect"}, time.Now())
		if _, err := s.memberlist.Join([]string{joinAddr}); err != nil {
			s.logger.Printf("[DEBUG] muster: reconnect to %v failed: %v", name, err)
		}
	}()

	select {
	case <-doneCh:
	case <-s.shutdownCh:
	case <-time.After(reconnectJoinTimeout):
	}
}
