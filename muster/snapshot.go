package muster

import (
	"bufio"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

/*
muster supports using a "snapshot" file that contains various
transactional data that is used to help muster recover quickly
and gracefully from a failure. We append member events, as well
as the latest clock values to the file during normal operation,
and periodically checkpoint and roll over the file. During a restore,
we can replay the various member events to recall a list of known
nodes to re-join, as well as restore our clock values to avoid replaying
old events.
*/

const (
	// flushInterval is how often the buffered writer is flushed and
	// synced to disk. Events received before a completed flush are
	// durable from that point on.
	flushInterval = 500 * time.Millisecond

	// clockUpdateInterval is how often we fetch the current lamport
	// time of the cluster and write a clock record if it moved.
	clockUpdateInterval = 500 * time.Millisecond

	// shutdownFlushTimeout is the time limit to drain pending events
	// from the input channel once shutdown fires.
	shutdownFlushTimeout = 250 * time.Millisecond

	// snapshotBufferSize is the capacity of the snapshotter's input
	// channel. Producers block (or drop, per configuration) when full,
	// which bounds memory growth under sustained flooding.
	snapshotBufferSize = 1024

	tmpExt = ".compact"
)

// Snapshotter is responsible for ingesting events and persisting
// them to disk, and providing a recovery mechanism at start time.
type Snapshotter struct {
	aliveNodes       map[string]string
	clock            *LamportClock
	buffered         *bufio.Writer
	fh               *os.File
	inCh             chan Event
	lastFlush        time.Time
	lastClock        LamportTime
	lastEventClock   LamportTime
	lastQueryClock   LamportTime
	leaveCh          chan struct{}
	leaving          bool
	didLeave         bool
	rejoinAfterLeave bool
	logger           *log.Logger
	maxSize          int64
	path             string
	offset           int64
	outCh            chan<- Event
	shutdownCh       <-chan struct{}
	waitCh           chan struct{}

	lastErr error
	errLock sync.Mutex
}

// PreviousNode is used to represent the previously known alive nodes
type PreviousNode struct {
	Name string
	Addr string
}

func (p PreviousNode) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Addr)
}

// NewSnapshotter creates a new Snapshotter that records events up to a
// max byte size before rotating the file. It can also be used to
// recover old state. Snapshotter works by reading an event channel it
// returns, passing through to an output channel, and persisting relevant
// events to disk. Setting dropEvents makes the returned channel shed
// events with a logged warning instead of blocking the producer when the
// internal buffer is full.
func NewSnapshotter(path string,
	maxSize int64,
	dropEvents bool,
	rejoinAfterLeave bool,
	logger *log.Logger,
	clock *LamportClock,
	outCh chan<- Event,
	shutdownCh <-chan struct{}) (chan<- Event, *Snapshotter, error) {
	inCh := make(chan Event, snapshotBufferSize)

	// Try to open the file
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot: %v", err)
	}

	// Determine the offset
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, nil, fmt.Errorf("failed to stat snapshot: %v", err)
	}
	offset := info.Size()

	// Create the snapshotter
	snap := &Snapshotter{
		aliveNodes:       make(map[string]string),
		clock:            clock,
		fh:               fh,
		buffered:         bufio.NewWriter(fh),
		inCh:             inCh,
		leaveCh:          make(chan struct{}),
		rejoinAfterLeave: rejoinAfterLeave,
		logger:           logger,
		maxSize:          maxSize,
		path:             path,
		offset:           offset,
		outCh:            outCh,
		shutdownCh:       shutdownCh,
		waitCh:           make(chan struct{}),
	}

	// Recover the last known state
	if err := snap.replay(); err != nil {
		fh.Close()
		return nil, nil, err
	}

	// Start handling new commands
	go snap.stream()

	// In drop mode a shim sheds events once the buffer is full rather
	// than exerting backpressure on the producer.
	if dropEvents {
		dropCh := make(chan Event)
		go snap.shedding(dropCh)
		return dropCh, snap, nil
	}
	return inCh, snap, nil
}

// shedding forwards events into the bounded buffer, dropping with a
// warning when the buffer is full.
func (s *Snapshotter) shedding(dropCh <-chan Event) {
	for {
		select {
		case e := <-dropCh:
			select {
			case s.inCh <- e:
			default:
				s.logger.Printf("[WARN] muster: snapshot buffer full, dropping event %s", e)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// LastClock returns the last known clock time
func (s *Snapshotter) LastClock() LamportTime {
	return s.lastClock
}

// LastEventClock returns the last known event clock time
func (s *Snapshotter) LastEventClock() LamportTime {
	return s.lastEventClock
}

// LastQueryClock returns the last known query clock time
func (s *Snapshotter) LastQueryClock() LamportTime {
	return s.lastQueryClock
}

// DidLeave reports whether the replayed log ended with a graceful leave.
// When true, the facade skips auto-rejoin unless RejoinAfterLeave is set.
func (s *Snapshotter) DidLeave() bool {
	return s.didLeave
}

// LastError returns the most recent write error, if any. Snapshot
// failures never block event processing; this is the introspection hook.
func (s *Snapshotter) LastError() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	return s.lastErr
}

// AliveNodes returns the last known alive nodes
func (s *Snapshotter) AliveNodes() []*PreviousNode {
	// Copy the previously known
	previous := make([]*PreviousNode, 0, len(s.aliveNodes))
	for name, addr := range s.aliveNodes {
		previous = append(previous, &PreviousNode{name, addr})
	}

	// Randomize the order, prevents hot shards
	for i := range previous {
		j := rand.Intn(i + 1)
		previous[i], previous[j] = previous[j], previous[i]
	}
	return previous
}

// Wait is used to wait until the snapshotter finishes shut down
func (s *Snapshotter) Wait() {
	<-s.waitCh
}

// Leave is used to remove known nodes to prevent a restart from
// causing a join. Otherwise nodes will re-join after leaving!
func (s *Snapshotter) Leave() {
	select {
	case s.leaveCh <- struct{}{}:
	case <-s.shutdownCh:
	}
}

// stream is a long running routine that is used to handle events
func (s *Snapshotter) stream() {
	clockTicker := time.NewTicker(clockUpdateInterval)
	defer clockTicker.Stop()
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-s.leaveCh:
			s.leaving = true

			// If we plan to re-join, keep our state
			if !s.rejoinAfterLeave {
				s.aliveNodes = make(map[string]string)
			}
			s.tryAppend("leave\n")
			s.flush()

		case e := <-s.inCh:
			s.ingest(e, true)

		case <-clockTicker.C:
			s.updateClock()

		case <-flushTicker.C:
			s.flush()

		case <-s.shutdownCh:
			// Drain the remaining events under a hard deadline so a
			// flooded buffer cannot hold up shutdown.
			deadline := time.After(shutdownFlushTimeout)
		DRAIN:
			for {
				select {
				case e := <-s.inCh:
					// The downstream consumer may be gone by now, so the
					// drain only records; it never forwards.
					s.ingest(e, false)
				case <-deadline:
					break DRAIN
				default:
					break DRAIN
				}
			}

			s.flush()
			s.fh.Close()
			close(s.waitCh)
			return
		}
	}
}

// ingest forwards an event to the output channel and writes the
// appropriate record.
func (s *Snapshotter) ingest(e Event, forward bool) {
	// Forward the event immediately
	if forward && s.outCh != nil {
		s.outCh <- e
	}

	// Stop recording events after a leave is issued
	if s.leaving {
		return
	}
	switch typed := e.(type) {
	case MemberEvent:
		s.processMemberEvent(typed)
	case UserEvent:
		s.processUserEvent(typed)
	case *Query:
		s.processQuery(typed)
	default:
		s.logger.Printf("[ERR] muster: Unknown event to snapshot: %#v", e)
	}
}

// flush writes the buffer through to stable storage.
func (s *Snapshotter) flush() {
	if err := s.buffered.Flush(); err != nil {
		s.noteError(err)
		s.logger.Printf("[ERR] muster: failed to flush snapshot: %v", err)
		return
	}
	if err := s.fh.Sync(); err != nil {
		s.noteError(err)
		s.logger.Printf("[ERR] muster: failed to sync snapshot: %v", err)
		return
	}
	s.lastFlush = time.Now()
}

func (s *Snapshotter) noteError(err error) {
	s.errLock.Lock()
	s.lastErr = err
	s.errLock.Unlock()
}

// processMemberEvent is used to handle a single member event
func (s *Snapshotter) processMemberEvent(e MemberEvent) {
	switch e.Type {
	case EventMemberJoin:
		for _, mem := range e.Members {
			addr := net.TCPAddr{IP: mem.Addr, Port: int(mem.Port)}
			s.aliveNodes[mem.Name] = addr.String()
			s.tryAppend(fmt.Sprintf("alive: %s %s\n", mem.Name, addr.String()))
		}

	case EventMemberLeave:
		fallthrough
	case EventMemberFailed:
		for _, mem := range e.Members {
			delete(s.aliveNodes, mem.Name)
			s.tryAppend(fmt.Sprintf("not-alive: %s\n", mem.Name))
		}
	}
	s.updateClock()
}

// updateClock is called periodically to check if we should update our
// clock value. This is done after member events but should also be done
// periodically due to race conditions with join and leave intents
func (s *Snapshotter) updateClock() {
	t := s.clock.Time()
	if t == 0 {
		return
	}
	lastSeen := t - 1
	if lastSeen > s.lastClock {
		s.lastClock = lastSeen
		s.tryAppend(fmt.Sprintf("clock: %d\n", s.lastClock))
	}
}

// processUserEvent is used to handle a single user event
func (s *Snapshotter) processUserEvent(e UserEvent) {
	// Ignore old clocks
	if e.LTime <= s.lastEventClock {
		return
	}
	s.lastEventClock = e.LTime
	s.tryAppend(fmt.Sprintf("event-clock: %d\n", e.LTime))
}

// processQuery is used to handle a single query event
func (s *Snapshotter) processQuery(q *Query) {
	// Ignore old clocks
	if q.LTime <= s.lastQueryClock {
		return
	}
	s.lastQueryClock = q.LTime
	s.tryAppend(fmt.Sprintf("query-clock: %d\n", q.LTime))
}

// tryAppend will invoke append line but will not return an error
func (s *Snapshotter) tryAppend(l string) {
	if err := s.appendLine(l); err != nil {
		s.noteError(err)
		s.logger.Printf("[ERR] muster: Failed to update snapshot: %v", err)
	}
}

// appendLine is used to append a line to the existing log
func (s *Snapshotter) appendLine(l string) error {
	n, err := s.buffered.WriteString(l)
	if err != nil {
		return err
	}

	// Check if a compaction is necessary
	s.offset += int64(n)
	if s.offset > s.maxSize {
		return s.compact()
	}
	return nil
}

// compact is used to compact the snapshot once it is too large. The
// current logical state is written to a temporary file which is then
// atomically renamed over the live log.
func (s *Snapshotter) compact() error {
	defer func(old time.Time) {
		s.logger.Printf("[INFO] muster: compacted snapshot in %v", time.Since(old))
	}(time.Now())

	// Try to open the new file
	newPath := s.path + tmpExt
	fh, err := os.OpenFile(newPath, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new snapshot: %v", err)
	}
	buf := bufio.NewWriter(fh)

	// Write out the live nodes
	var offset int64
	for name, addr := range s.aliveNodes {
		line := fmt.Sprintf("alive: %s %s\n", name, addr)
		n, err := buf.WriteString(line)
		if err != nil {
			fh.Close()
			return err
		}
		offset += int64(n)
	}

	// Write out the clocks
	for _, line := range []string{
		fmt.Sprintf("clock: %d\n", s.lastClock),
		fmt.Sprintf("event-clock: %d\n", s.lastEventClock),
		fmt.Sprintf("query-clock: %d\n", s.lastQueryClock),
	} {
		n, err := buf.WriteString(line)
		if err != nil {
			fh.Close()
			return err
		}
		offset += int64(n)
	}

	// Flush the new snapshot to disk before rotating
	if err := buf.Flush(); err != nil {
		fh.Close()
		return fmt.Errorf("failed to flush new snapshot: %v", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("failed to fsync new snapshot: %v", err)
	}

	// Switch the files
	if err := os.Rename(newPath, s.path); err != nil {
		fh.Close()
		return fmt.Errorf("failed to install new snapshot: %v", err)
	}

	// Rotate our handles
	s.fh.Close()
	s.fh = fh
	s.buffered = buf
	s.offset = offset
	s.lastFlush = time.Now()
	return nil
}

// replay is used to seek to reset our internal state by replaying
// the snapshot file. It is used at initialization time to read old
// state
func (s *Snapshotter) replay() error {
	// Seek to the beginning
	if _, err := s.fh.Seek(0, 0); err != nil {
		return err
	}

	// Read each line
	reader := bufio.NewReader(s.fh)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}

		// Skip the newline
		line = line[:len(line)-1]

		// Switch on the prefix
		if strings.HasPrefix(line, "alive: ") {
			info := strings.TrimPrefix(line, "alive: ")
			addrIdx := strings.LastIndex(info, " ")
			if addrIdx == -1 {
				s.logger.Printf("[WARN] muster: Failed to parse address: %v", line)
				continue
			}
			addr := info[addrIdx+1:]
			name := info[:addrIdx]
			s.aliveNodes[name] = addr
			s.didLeave = false

		} else if strings.HasPrefix(line, "not-alive: ") {
			name := strings.TrimPrefix(line, "not-alive: ")
			delete(s.aliveNodes, name)

		} else if strings.HasPrefix(line, "clock: ") {
			timeStr := strings.TrimPrefix(line, "clock: ")
			timeInt, err := strconv.ParseUint(timeStr, 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] muster: Failed to convert clock time: %v", err)
				continue
			}
			s.lastClock = LamportTime(timeInt)

		} else if strings.HasPrefix(line, "event-clock: ") {
			timeStr := strings.TrimPrefix(line, "event-clock: ")
			timeInt, err := strconv.ParseUint(timeStr, 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] muster: Failed to convert event clock time: %v", err)
				continue
			}
			s.lastEventClock = LamportTime(timeInt)

		} else if strings.HasPrefix(line, "query-clock: ") {
			timeStr := strings.TrimPrefix(line, "query-clock: ")
			timeInt, err := strconv.ParseUint(timeStr, 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] muster: Failed to convert query clock time: %v", err)
				continue
			}
			s.lastQueryClock = LamportTime(timeInt)

		} else if line == "leave" {
			s.didLeave = true

			// Ignore a leave if we plan on re-joining
			if s.rejoinAfterLeave {
				s.logger.Printf("[INFO] muster: Ignoring previous leave in snapshot")
				continue
			}
			s.aliveNodes = make(map[string]string)
			s.lastClock = 0
			s.lastEventClock = 0
			s.lastQueryClock = 0

		} else if strings.HasPrefix(line, "#") {
			// Skip comment lines

		} else {
			s.logger.Printf("[WARN] muster: Unrecognized snapshot line: %v", line)
		}
	}

	// Seek to the end
	if _, err := s.fh.Seek(0, 2); err != nil {
		return err
	}
	return nil
}
