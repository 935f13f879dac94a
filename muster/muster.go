package muster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/memberlist"
)

// These are the protocol versions that muster can _understand_. These are
// muster-level protocol versions that are passed down as the delegate
// version to memberlist below.
const (
	ProtocolVersionMin uint8 = 4
	ProtocolVersionMax       = 5
)

// userEventSizeOverhead is the fixed allowance added to the name and
// payload lengths when a user event is checked against
// UserEventSizeLimit. It stands in for the message type byte and the
// msgpack framing; the encoded message is not measured, and its actual
// framing can be larger than this allowance.
const userEventSizeOverhead = 20

// maxUserEventSize is the absolute ceiling for the configurable user
// event size limit. Events must fit in a UDP packet.
const maxUserEventSize = 9 * 1024

// errNilHost is returned when a component is constructed without the
// host instance it adapts for.
var errNilHost = errors.New("muster instance must not be nil")

// Muster is a single node that is part of a single cluster that gets
// events about joins/leaves/failures/etc. It is created with the Create
// method.
//
// All functions on the Muster structure are safe to call concurrently.
type Muster struct {
	// The clocks for different purposes. These MUST be the first things
	// in this struct so due to Golang issue #599.
	clock      LamportClock
	eventClock LamportClock
	queryClock LamportClock

	broadcasts *memberlist.TransmitLimitedQueue
	config     *Config

	registry   memberRegistry
	memberlist *memberlist.Memberlist

	eventBroadcasts *memberlist.TransmitLimitedQueue
	eventBuffer     []*userEvents
	eventJoinIgnore bool
	eventMinTime    LamportTime
	eventCh         chan<- Event
	eventLock       sync.RWMutex

	queryBroadcasts *memberlist.TransmitLimitedQueue
	queryBuffer     []*queries
	queryMinTime    LamportTime
	queryResponse   map[LamportTime]*QueryResponse
	queryLock       sync.RWMutex

	logger      *log.Logger
	joinLock    sync.Mutex
	stateLock   sync.Mutex
	state       MusterState
	shutdownCh  chan struct{}
	snapshotter *Snapshotter
	keyManager  *KeyManager
}

// MusterState is the state of the Muster instance.
type MusterState int

const (
	MusterAlive MusterState = iota
	MusterLeaving
	MusterLeft
	MusterShutdown
)

func (s MusterState) String() string {
	switch s {
	case MusterAlive:
		return "alive"
	case MusterLeaving:
		return "leaving"
	case MusterLeft:
		return "left"
	case MusterShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// nodeIntent is used to buffer intents for out-of-order deliveries
type nodeIntent struct {
	LTime LamportTime
	Node  string
}

// userEvent is used to buffer events to prevent re-delivery
type userEvent struct {
	Name    string
	Payload []byte
}

func (ue *userEvent) Equals(other *userEvent) bool {
	if ue.Name != other.Name {
		return false
	}
	if !bytes.Equal(ue.Payload, other.Payload) {
		return false
	}
	return true
}

// userEvents stores all the user events at a specific time
type userEvents struct {
	LTime  LamportTime
	Events []userEvent
}

// queries stores all the query ids at a specific time
type queries struct {
	LTime    LamportTime
	QueryIDs []uint32
}

// Create creates a new Muster instance, starting all the background tasks
// to maintain cluster membership information.
//
// After calling this function, the configuration should no longer be used
// or modified by the caller.
func Create(conf *Config) (*Muster, error) {
	conf.Init()
	if conf.NodeName == "" {
		return nil, errors.New("NodeName must be set")
	}
	if conf.ProtocolVersion < ProtocolVersionMin {
		return nil, fmt.Errorf("Protocol version '%d' too low. Must be in range: [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	} else if conf.ProtocolVersion > ProtocolVersionMax {
		return nil, fmt.Errorf("Protocol version '%d' too high. Must be in range: [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	}
	if conf.UserEventSizeLimit > maxUserEventSize {
		return nil, fmt.Errorf("user event size limit exceeds limit of %d bytes", maxUserEventSize)
	}
	if conf.LogOutput != nil && conf.Logger != nil {
		return nil, errors.New("cannot specify both LogOutput and Logger")
	}

	// Timing settings left at zero get their defaults
	if conf.BroadcastTimeout == 0 {
		conf.BroadcastTimeout = 5 * time.Second
	}
	if conf.ReapInterval == 0 {
		conf.ReapInterval = 15 * time.Second
	}
	if conf.ReconnectInterval == 0 {
		conf.ReconnectInterval = 30 * time.Second
	}

	logger := conf.Logger
	if logger == nil {
		logger = log.New(conf.logOutput(), "", log.LstdFlags)
	}

	m := &Muster{
		config:     conf,
		logger:     logger,
		state:      MusterAlive,
		shutdownCh: make(chan struct{}),
	}
	m.registry.roster = roster{
		members:     make(map[string]*memberState),
		recentJoin:  make([]nodeIntent, conf.RecentIntentBuffer),
		recentLeave: make([]nodeIntent, conf.RecentIntentBuffer),
	}

	// Check that the meta data length is okay
	if len(encodeTags(conf.Tags)) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("encoded length of tags exceeds limit of %d bytes", memberlist.MetaMaxSize)
	}

	// Check if we have a keyring file, and if so load it into the
	// memberlist configuration before the transport comes up.
	if conf.KeyringFile != "" {
		if err := m.loadKeyringFile(conf.KeyringFile); err != nil {
			return nil, err
		}
	}

	// The event channel consumers are layered: the caller's channel sits
	// at the bottom, the coalescers wrap it, the internal query handler
	// intercepts above that, and the snapshotter sits outermost so that
	// every event reaches the recovery log.
	eventCh := conf.EventCh
	if conf.CoalescePeriod > 0 && conf.QuiescentPeriod > 0 && eventCh != nil {
		eventCh = coalescedEventCh(eventCh, m.shutdownCh,
			conf.CoalescePeriod, conf.QuiescentPeriod,
			&memberEventCoalescer{
				lastEvents:   make(map[string]EventType),
				latestEvents: make(map[string]coalesceEvent),
			})
	}
	if conf.UserCoalescePeriod > 0 && conf.UserQuiescentPeriod > 0 && eventCh != nil {
		eventCh = coalescedEventCh(eventCh, m.shutdownCh,
			conf.UserCoalescePeriod, conf.UserQuiescentPeriod,
			&userEventCoalescer{
				events: make(map[string]*latestUserEvents),
			})
	}

	// Listen for internal muster queries. This is setup before the
	// snapshotter, since we want to capture the query clock changes.
	outCh, err := newInternalQueryHandler(m, logger, eventCh, m.shutdownCh)
	if err != nil {
		return nil, fmt.Errorf("failed to setup internal query handler: %v", err)
	}
	eventCh = outCh

	// Try access the snapshot
	var oldClock, oldEventClock, oldQueryClock LamportTime
	var prev []*PreviousNode
	if conf.SnapshotPath != "" {
		eventCh, m.snapshotter, err = NewSnapshotter(
			conf.SnapshotPath,
			conf.SnapshotSizeLimit,
			conf.SnapshotDropEvents,
			conf.RejoinAfterLeave,
			logger,
			&m.clock,
			eventCh,
			m.shutdownCh)
		if err != nil {
			return nil, fmt.Errorf("failed to setup snapshot: %v", err)
		}
		oldClock = m.snapshotter.LastClock()
		oldEventClock = m.snapshotter.LastEventClock()
		oldQueryClock = m.snapshotter.LastQueryClock()
		prev = m.snapshotter.AliveNodes()
		m.eventMinTime = oldEventClock + 1
		m.queryMinTime = oldQueryClock + 1
	}
	m.eventCh = eventCh

	// Set up network size dependent buffers
	m.eventBuffer = make([]*userEvents, conf.EventBuffer)
	m.queryBuffer = make([]*queries, conf.QueryBuffer)
	m.queryResponse = make(map[LamportTime]*QueryResponse)

	// Ensure our lamport clock is at least 1, so that the default
	// join LTime of 0 does not cause issues
	m.clock.Increment()
	m.eventClock.Increment()
	m.queryClock.Increment()

	// Restore the clock from snap if we have one
	m.clock.Witness(oldClock)
	m.eventClock.Witness(oldEventClock)
	m.queryClock.Witness(oldQueryClock)

	// Modify the memberlist configuration with keys that we set
	ed, err := newEventDelegate(m)
	if err != nil {
		return nil, err
	}
	conf.MemberlistConfig.Events = ed
	conf.MemberlistConfig.Delegate = &delegate{muster: m}
	conf.MemberlistConfig.DelegateProtocolVersion = conf.ProtocolVersion
	conf.MemberlistConfig.DelegateProtocolMin = ProtocolVersionMin
	conf.MemberlistConfig.DelegateProtocolMax = ProtocolVersionMax
	conf.MemberlistConfig.Name = conf.NodeName
	conf.MemberlistConfig.ProtocolVersion = ProtocolVersionMap[conf.ProtocolVersion]
	if conf.EnableNameConflictResolution {
		conf.MemberlistConfig.Conflict = &conflictDelegate{muster: m}
	}

	// Setup the various broadcast queues, which we use to send our own
	// custom broadcasts along the gossip channel.
	m.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       m.NumMembers,
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	m.eventBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       m.NumMembers,
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	m.queryBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       m.NumMembers,
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}

	// Create the underlying memberlist that will manage membership
	// and failure detection for the muster instance.
	ml, err := memberlist.Create(conf.MemberlistConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %v", err)
	}
	m.memberlist = ml

	// Create a key manager for handling all encryption key changes
	m.keyManager = &KeyManager{muster: m}

	// Start the background tasks. See the documentation above each method
	// for more information on their role.
	go m.handleReap()
	go m.handleReconnect()
	go m.checkQueueDepth("Intent", m.broadcasts)
	go m.checkQueueDepth("Event", m.eventBroadcasts)
	go m.checkQueueDepth("Query", m.queryBroadcasts)

	// Attempt to re-join the cluster if we have known nodes
	if len(prev) != 0 {
		go m.rejoin(prev)
	}

	return m, nil
}

// ProtocolVersion returns the current protocol version in use by muster.
// This is the muster protocol version, not the memberlist protocol version.
func (s *Muster) ProtocolVersion() uint8 {
	return s.config.ProtocolVersion
}

// EncryptionEnabled is a predicate that determines whether or not encryption
// is enabled, which can be possible in one of 2 cases:
//   - Single encryption key passed at agent start (no persistence)
//   - Keyring file provided at agent start
func (s *Muster) EncryptionEnabled() bool {
	return s.config.MemberlistConfig.Keyring != nil
}

// KeyManager returns the key manager for the current muster instance.
func (s *Muster) KeyManager() *KeyManager {
	return s.keyManager
}

// UserEvent is used to broadcast a custom user event with a given
// name and payload. If the configured size limit is exceeded an error
// will be returned. If coalesce is enabled, nodes are allowed to coalesce
// this event.
func (s *Muster) UserEvent(name string, payload []byte, coalesce bool) error {
	// Check the state first
	if stateErr := s.checkAlive("UserEvent"); stateErr != nil {
		return stateErr
	}

	// Check the size limit
	if len(name)+len(payload)+userEventSizeOverhead > s.config.UserEventSizeLimit {
		return fmt.Errorf("user event exceeds configured limit of %d bytes", s.config.UserEventSizeLimit)
	}

	// Create a message
	msg := messageUserEvent{
		LTime:   s.eventClock.Increment(),
		Name:    name,
		Payload: payload,
		CC:      coalesce,
	}

	// Process update locally
	s.handleUserEvent(&msg)

	// Start broadcasting the event
	raw, err := encodeMessage(messageUserEventType, &msg)
	if err != nil {
		return err
	}
	s.eventBroadcasts.QueueBroadcast(&broadcast{
		msg: raw,
	})
	return nil
}

// Query is used to broadcast a new query. The query must be fairly small,
// and an error will be returned if the size limit is exceeded. Query
// parameters are optional, and if not provided, a sane set of defaults
// will be used.
func (s *Muster) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	// Check the state first
	if stateErr := s.checkAlive("Query"); stateErr != nil {
		return nil, stateErr
	}

	// Provide default parameters if none given
	if params == nil {
		params = s.DefaultQueryParams()
	} else if params.Timeout == 0 {
		params.Timeout = s.DefaultQueryTimeout()
	}

	// Get the local node
	local := s.memberlist.LocalNode()

	// Encode the filters
	filters, err := params.encodeFilters()
	if err != nil {
		return nil, fmt.Errorf("failed to format filters: %v", err)
	}

	// Setup the flags
	var flags uint32
	if params.RequestAck {
		flags |= queryFlagAck
	}

	// Create a message
	q := messageQuery{
		LTime:   s.queryClock.Increment(),
		ID:      rand.Uint32(),
		Addr:    local.Addr,
		Port:    local.Port,
		Filters: filters,
		Flags:   flags,
		Timeout: params.Timeout,
		Name:    name,
		Payload: payload,
	}

	// Check the size
	raw, err := encodeMessage(messageQueryType, &q)
	if err != nil {
		return nil, err
	}
	if len(raw) > s.config.QuerySizeLimit {
		return nil, fmt.Errorf("query exceeds limit of %d bytes", s.config.QuerySizeLimit)
	}

	// Register QueryResponse to track acks and responses
	resp := newQueryResponse(s.memberlist.NumMembers(), &q)
	s.registerQueryResponse(params.Timeout, resp)

	// Process query locally
	s.handleQuery(&q)

	// Start broadcasting the event
	s.queryBroadcasts.QueueBroadcast(&broadcast{
		msg: raw,
	})
	return resp, nil
}

// registerQueryResponse is used to setup the listeners for the query,
// and to schedule closing the query after the timeout.
func (s *Muster) registerQueryResponse(timeout time.Duration, resp *QueryResponse) {
	s.queryLock.Lock()
	defer s.queryLock.Unlock()

	// Map the LTime to the QueryResponse. This is necessarily 1-to-1,
	// since we increment the time for each new query.
	s.queryResponse[resp.lTime] = resp

	// Setup a timer to close the response and deregister after the timeout
	time.AfterFunc(timeout, func() {
		s.queryLock.Lock()
		delete(s.queryResponse, resp.lTime)
		resp.Close()
		s.queryLock.Unlock()
	})
}

// DefaultQueryTimeout returns the default timeout value for a query.
// Computed as GossipInterval * QueryTimeoutMult * log(N+1)
func (s *Muster) DefaultQueryTimeout() time.Duration {
	n := s.memberlist.NumMembers()
	timeout := s.config.MemberlistConfig.GossipInterval
	timeout *= time.Duration(s.config.QueryTimeoutMult)
	timeout *= time.Duration(math.Ceil(math.Log10(float64(n + 1))))
	return timeout
}

// DefaultQueryParams is used to return the default query parameters
func (s *Muster) DefaultQueryParams() *QueryParam {
	return &QueryParam{
		FilterNodes: nil,
		FilterTags:  nil,
		RequestAck:  false,
		Timeout:     s.DefaultQueryTimeout(),
	}
}

// checkAlive verifies the lifecycle state admits the named operation.
func (s *Muster) checkAlive(op string) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state != MusterAlive {
		return fmt.Errorf("%s not allowed, muster is %s", op, s.state)
	}
	return nil
}

// Join joins an existing muster cluster. Returns the number of nodes
// successfully contacted. The returned error will be non-nil only in the
// case that no nodes could be contacted. If ignoreOld is true, then any
// user messages sent prior to the join will be ignored.
func (s *Muster) Join(existing []string, ignoreOld bool) (int, error) {
	// Do a quick state check
	if s.State() != MusterAlive {
		return 0, fmt.Errorf("muster can't Join after Leave or Shutdown")
	}

	// Hold the joinLock, this is to make eventJoinIgnore safe
	s.joinLock.Lock()
	defer s.joinLock.Unlock()

	// Ignore any events from a potential join. This is safe since we hold
	// the joinLock and nobody else can be doing a Join
	if ignoreOld {
		s.eventJoinIgnore = true
		defer func() {
			s.eventJoinIgnore = false
		}()
	}

	// Have memberlist attempt to join
	num, err := s.memberlist.Join(existing)

	// If we joined any nodes, broadcast the join message
	if num > 0 {
		// Start broadcasting the update
		if err := s.broadcastJoin(s.clock.Time()); err != nil {
			return num, err
		}
	}

	return num, err
}

// broadcastJoin broadcasts a new join intent with a
// given clock value. It is used on either join, or if
// we need to refute an older leave intent. Cannot be called
// with the registry lock held.
func (s *Muster) broadcastJoin(ltime LamportTime) error {
	// Construct message to update our lamport clock
	msg := messageJoin{
		LTime: ltime,
		Node:  s.config.NodeName,
	}
	s.clock.Witness(ltime)

	// Process update locally
	s.handleNodeJoinIntent(&msg)

	// Start broadcasting the update
	if err := s.broadcast(messageJoinType, &msg, nil); err != nil {
		s.logger.Printf("[WARN] muster: Failed to broadcast join intent: %v", err)
		return err
	}
	return nil
}

// Leave gracefully exits the cluster. It is safe to call this multiple
// times. The lifecycle is forward-only: once Leaving, the node never
// returns to Alive even if the leave broadcast fails.
func (s *Muster) Leave() error {
	// Check the current state
	s.stateLock.Lock()
	if s.state == MusterLeft {
		s.stateLock.Unlock()
		return nil
	} else if s.state == MusterLeaving {
		s.stateLock.Unlock()
		return fmt.Errorf("Leave already in progress")
	} else if s.state == MusterShutdown {
		s.stateLock.Unlock()
		return fmt.Errorf("Leave called after Shutdown")
	}
	s.state = MusterLeaving
	s.stateLock.Unlock()

	// If we have a snapshot, mark we are leaving
	if s.snapshotter != nil {
		s.snapshotter.Leave()
	}

	// Construct the message for the graceful leave
	msg := messageLeave{
		LTime: s.clock.Time(),
		Node:  s.config.NodeName,
	}
	s.clock.Increment()

	// Process the leave locally
	s.handleNodeLeaveIntent(&msg)

	// Only broadcast the leave message if there is at least one
	// other node alive.
	if s.hasAliveMembers() {
		notifyCh := make(chan struct{})
		if err := s.broadcast(messageLeaveType, &msg, notifyCh); err != nil {
			return err
		}

		select {
		case <-notifyCh:
		case <-time.After(s.config.BroadcastTimeout):
			return errors.New("timeout while waiting for graceful leave")
		}
	}

	// Wait for the leave to propagate through the cluster. The broadcast
	// timeout is how long we wait for the message to go out from our own
	// queue, but this wait is for that message to propagate through the
	// cluster. In particular, we want to stay up long enough to service
	// any probes from other nodes before they learn about us leaving.
	time.Sleep(s.config.LeavePropagateDelay)

	// Transmit the leave to the gossip layer
	if err := s.memberlist.Leave(s.config.BroadcastTimeout); err != nil {
		return err
	}

	s.stateLock.Lock()
	if s.state != MusterShutdown {
		s.state = MusterLeft
	}
	s.stateLock.Unlock()
	return nil
}

// hasAliveMembers is called to check for any alive members other than
// ourself.
func (s *Muster) hasAliveMembers() bool {
	hasAlive := false
	s.registry.access(func(r *roster) {
		for _, m := range r.members {
			// Skip ourself, we want to know if OTHER members are alive
			if m.Name == s.config.NodeName {
				continue
			}

			if m.Status == StatusAlive {
				hasAlive = true
				break
			}
		}
	})
	return hasAlive
}

// LocalMember returns the Member information for the local node
func (s *Muster) LocalMember() Member {
	var local Member
	s.registry.access(func(r *roster) {
		if m, ok := r.members[s.config.NodeName]; ok {
			local = m.Member
			local.Tags = make(map[string]string)
			for k, v := range m.Tags {
				local.Tags[k] = v
			}
		}
	})
	return local
}

// Members returns a point-in-time snapshot of the members of this cluster.
func (s *Muster) Members() []Member {
	var members []Member
	s.registry.access(func(r *roster) {
		members = make([]Member, 0, len(r.members))
		for _, m := range r.members {
			members = append(members, m.Member)
		}
	})
	return members
}

// NumMembers returns the number of members currently known to this
// instance, including the local node.
func (s *Muster) NumMembers() int {
	var n int
	s.registry.access(func(r *roster) {
		n = len(r.members)
	})
	return n
}

// GetMember returns the member with the given name, if known.
func (s *Muster) GetMember(name string) (Member, bool) {
	var mem Member
	var ok bool
	s.registry.access(func(r *roster) {
		var ms *memberState
		if ms, ok = r.members[name]; ok {
			mem = ms.Member
		}
	})
	return mem, ok
}

// RemoveFailedNode forcibly removes a failed node from the cluster
// immediately, instead of waiting for the reaper to eventually reclaim it.
// This also has the effect that muster will no longer attempt to reconnect
// to this node.
func (s *Muster) RemoveFailedNode(node string) error {
	// Construct the message to broadcast
	msg := messageLeave{
		LTime: s.clock.Time(),
		Node:  node,
	}
	s.clock.Increment()

	// Process our own event
	s.handleNodeLeaveIntent(&msg)

	// If we have no members, then we don't need to broadcast
	if !s.hasAliveMembers() {
		return nil
	}

	// Broadcast the remove
	notifyCh := make(chan struct{})
	if err := s.broadcast(messageLeaveType, &msg, notifyCh); err != nil {
		return err
	}

	// Wait for the broadcast
	select {
	case <-notifyCh:
	case <-time.After(s.config.BroadcastTimeout):
		return fmt.Errorf("timed out broadcasting node removal")
	}

	return nil
}

// Shutdown forcefully shuts down the muster instance, stopping all network
// activity and background maintenance associated with the instance.
//
// This is not a graceful shutdown, and should be preceded by a call
// to Leave. Otherwise, other nodes in the cluster will detect this node's
// exit as a node failure.
//
// It is safe to call this method multiple times.
func (s *Muster) Shutdown() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == MusterShutdown {
		return nil
	}

	if s.state != MusterLeft {
		s.logger.Printf("[WARN] muster: Shutdown without a Leave")
	}

	s.state = MusterShutdown
	err := s.memberlist.Shutdown()
	if err != nil {
		return err
	}
	close(s.shutdownCh)

	// Wait for the snapshotter to finish if we have one
	if s.snapshotter != nil {
		s.snapshotter.Wait()
	}

	return nil
}

// ShutdownCh returns a channel that can be used to wait for
// muster to shutdown.
func (s *Muster) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// State is the current state of this muster instance.
func (s *Muster) State() MusterState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// IsReady returns true iff the lifecycle state is Alive and the gossip
// transport is attached.
func (s *Muster) IsReady() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state == MusterAlive && s.memberlist != nil
}

// SetTags is used to dynamically update the tags associated with
// the local node. This will propagate the change to the rest of
// the cluster. Blocks until a the message is broadcast out.
func (s *Muster) SetTags(tags map[string]string) error {
	// Check that the meta data length is okay
	if len(encodeTags(tags)) > memberlist.MetaMaxSize {
		return fmt.Errorf("encoded length of tags exceeds limit of %d bytes",
			memberlist.MetaMaxSize)
	}

	// Update the config
	s.config.Tags = tags

	// Trigger a memberlist update
	return s.memberlist.UpdateNode(s.config.BroadcastTimeout)
}

// broadcast takes a muster message type, encodes it for the wire, and
// queues the broadcast. If a notify channel is given, this channel will be
// closed when the broadcast is sent.
func (s *Muster) broadcast(t messageType, msg interface{}, notify chan<- struct{}) error {
	raw, err := encodeMessage(t, msg)
	if err != nil {
		return err
	}

	s.broadcasts.QueueBroadcast(&broadcast{
		msg:    raw,
		notify: notify,
	})

	return nil
}

// handleNodeJoin is called when a node join event is received
// from memberlist.
func (s *Muster) handleNodeJoin(n *memberlist.Node) {
	if n == nil {
		return
	}

	var emit bool
	var mem Member
	s.registry.access(func(r *roster) {
		var oldStatus MemberStatus
		member, ok := r.members[n.Name]
		if !ok {
			oldStatus = StatusNone
			member = &memberState{
				Member: Member{
					Name:   n.Name,
					Addr:   net.IP(n.Addr),
					Port:   n.Port,
					Tags:   decodeTags(n.Meta),
					Status: StatusAlive,
				},
			}

			// Check if we have a join intent and use the LTime
			if join := recentIntent(r.recentJoin, n.Name); join != nil {
				member.statusLTime = join.LTime
			}

			// Check if we have a leave intent
			if leave := recentIntent(r.recentLeave, n.Name); leave != nil {
				if leave.LTime > member.statusLTime {
					member.Status = StatusLeaving
					member.statusLTime = leave.LTime
				}
			}

			r.members[n.Name] = member
		} else {
			oldStatus = member.Status
			member.Status = StatusAlive
			member.leaveTime = time.Time{}
			member.Addr = net.IP(n.Addr)
			member.Port = n.Port
			member.Tags = decodeTags(n.Meta)
		}

		// Update the protocol versions every time we get an event
		member.ProtocolMin = n.PMin
		member.ProtocolMax = n.PMax
		member.ProtocolCur = n.PCur
		member.DelegateMin = n.DMin
		member.DelegateMax = n.DMax
		member.DelegateCur = n.DCur

		// If node was previously in a failed or left state, then clean
		// up some internal accounting.
		if oldStatus == StatusFailed || oldStatus == StatusLeft {
			r.failedMembers = removeOldMember(r.failedMembers, member.Name)
			r.leftMembers = removeOldMember(r.leftMembers, member.Name)
		}

		// A join is only emitted when the status actually transitioned
		// to Alive. First joins and rejoins both count; a redundant
		// notify for an already-alive member does not.
		emit = member.Status == StatusAlive && oldStatus != StatusAlive
		mem = member.Member
	})

	if !emit {
		return
	}

	// Send an event along
	metrics.IncrCounter([]string{"muster", "member", "join"}, 1)
	s.logger.Printf("[INFO] muster: EventMemberJoin: %s %s",
		mem.Name, mem.Addr)
	if s.eventCh != nil {
		s.eventCh <- MemberEvent{
			Type:    EventMemberJoin,
			Members: []Member{mem},
		}
	}
}

// handleNodeLeave is called when a node leave event is received
// from memberlist.
func (s *Muster) handleNodeLeave(n *memberlist.Node) {
	if n == nil {
		return
	}

	var emit bool
	var eventType EventType
	var eventStr string
	var mem Member
	s.registry.access(func(r *roster) {
		member, ok := r.members[n.Name]
		if !ok {
			// We've never even heard of this node that is supposedly
			// leaving. Just ignore it completely.
			return
		}

		switch member.Status {
		case StatusLeaving:
			member.Status = StatusLeft
			member.leaveTime = time.Now()
			r.leftMembers = append(r.leftMembers, member)
			eventType, eventStr = EventMemberLeave, "EventMemberLeave"
		case StatusAlive:
			member.Status = StatusFailed
			member.leaveTime = time.Now()
			r.failedMembers = append(r.failedMembers, member)
			eventType, eventStr = EventMemberFailed, "EventMemberFailed"
		default:
			// Already failed or left, this is a no-op
			return
		}

		emit = true
		mem = member.Member
	})

	if !emit {
		return
	}

	// Send an event along
	if eventType == EventMemberFailed {
		metrics.IncrCounter([]string{"muster", "member", "failed"}, 1)
	} else {
		metrics.IncrCounter([]string{"muster", "member", "leave"}, 1)
	}
	s.logger.Printf("[INFO] muster: %s: %s %s",
		eventStr, mem.Name, mem.Addr)
	if s.eventCh != nil {
		s.eventCh <- MemberEvent{
			Type:    eventType,
			Members: []Member{mem},
		}
	}
}

// handleNodeUpdate is called when a node meta data update
// has taken place
func (s *Muster) handleNodeUpdate(n *memberlist.Node) {
	if n == nil {
		return
	}

	var known bool
	var mem Member
	s.registry.access(func(r *roster) {
		member, ok := r.members[n.Name]
		if !ok {
			return
		}
		known = true

		// Update the member attributes
		member.Addr = net.IP(n.Addr)
		member.Port = n.Port
		member.Tags = decodeTags(n.Meta)
		mem = member.Member
	})

	// An update for a node we have never seen is treated as a join.
	if !known {
		s.handleNodeJoin(n)
		return
	}

	// Send an event along
	metrics.IncrCounter([]string{"muster", "member", "update"}, 1)
	s.logger.Printf("[INFO] muster: EventMemberUpdate: %s", mem.Name)
	if s.eventCh != nil {
		s.eventCh <- MemberEvent{
			Type:    EventMemberUpdate,
			Members: []Member{mem},
		}
	}
}

// handleNodeLeaveIntent is called when an intent to leave is received.
func (s *Muster) handleNodeLeaveIntent(leaveMsg *messageLeave) bool {
	// Witness a potentially newer time
	s.clock.Witness(leaveMsg.LTime)

	var rebroadcast bool
	var refute bool
	var emit bool
	var mem Member
	s.registry.access(func(r *roster) {
		member, ok := r.members[leaveMsg.Node]
		if !ok {
			// Rebroadcast only if this intent is new to us
			if recentIntent(r.recentLeave, leaveMsg.Node) != nil {
				return
			}

			// We don't know this member so store it in a buffer for now
			r.recentLeave[r.recentLeaveIndex] = nodeIntent{
				LTime: leaveMsg.LTime,
				Node:  leaveMsg.Node,
			}
			r.recentLeaveIndex = (r.recentLeaveIndex + 1) % len(r.recentLeave)
			rebroadcast = true
			return
		}

		// If the message is old, then it is irrelevant and we can skip it
		if !member.acceptStatusChange(leaveMsg.LTime, StatusLeaving) {
			return
		}

		// Refute us leaving if we are in the alive state
		// Must be done outside the registry lock
		if leaveMsg.Node == s.config.NodeName && s.State() == MusterAlive {
			refute = true
			return
		}

		// State transition depends on current state
		switch member.Status {
		case StatusAlive:
			member.Status = StatusLeaving
			member.statusLTime = leaveMsg.LTime
			rebroadcast = true
		case StatusFailed:
			member.Status = StatusLeft
			member.statusLTime = leaveMsg.LTime

			// Remove from the failed list and add to the left list. We
			// add to the left list so that when we do a sync, other nodes
			// will remove it from their failed list.
			r.failedMembers = removeOldMember(r.failedMembers, member.Name)
			r.leftMembers = append(r.leftMembers, member)

			// We must push a message indicating the node has now
			// left to allow higher-level applications to handle the
			// graceful leave.
			emit = true
			mem = member.Member
			rebroadcast = true
		}
	})

	if refute {
		s.logger.Printf("[DEBUG] muster: Refuting an older leave intent")
		go s.broadcastJoin(s.clock.Time())
		return false
	}

	if emit {
		s.logger.Printf("[INFO] muster: EventMemberLeave (forced): %s %s",
			mem.Name, mem.Addr)
		if s.eventCh != nil {
			s.eventCh <- MemberEvent{
				Type:    EventMemberLeave,
				Members: []Member{mem},
			}
		}
	}
	return rebroadcast
}

// handleNodeJoinIntent is called when a node broadcasts a
// join message to set the lamport time of its join
func (s *Muster) handleNodeJoinIntent(joinMsg *messageJoin) bool {
	// Witness a potentially newer time
	s.clock.Witness(joinMsg.LTime)

	var rebroadcast bool
	s.registry.access(func(r *roster) {
		member, ok := r.members[joinMsg.Node]
		if !ok {
			// Rebroadcast only if this intent is new to us
			if recentIntent(r.recentJoin, joinMsg.Node) != nil {
				return
			}

			// We don't know this member so store it in a buffer for now
			r.recentJoin[r.recentJoinIndex] = nodeIntent{
				LTime: joinMsg.LTime,
				Node:  joinMsg.Node,
			}
			r.recentJoinIndex = (r.recentJoinIndex + 1) % len(r.recentJoin)
			rebroadcast = true
			return
		}

		// Check if this time is newer than what we have
		if joinMsg.LTime <= member.statusLTime {
			return
		}

		// Update the LTime
		member.statusLTime = joinMsg.LTime

		// If we are in the leaving state, we should go back to alive,
		// since the leaving message must have been for an older time
		if member.Status == StatusLeaving {
			member.Status = StatusAlive
		}
		rebroadcast = true
	})
	return rebroadcast
}

// handleUserEvent is called when a user event broadcast is
// received. Returns if the message should be rebroadcast.
func (s *Muster) handleUserEvent(eventMsg *messageUserEvent) bool {
	// Witness a potentially newer time
	s.eventClock.Witness(eventMsg.LTime)

	s.eventLock.Lock()
	defer s.eventLock.Unlock()

	// Ignore if it is before our minimum event time
	if eventMsg.LTime < s.eventMinTime {
		return false
	}

	// Check if this message is too old
	curTime := s.eventClock.Time()
	if curTime > LamportTime(len(s.eventBuffer)) &&
		eventMsg.LTime < curTime-LamportTime(len(s.eventBuffer)) {
		s.logger.Printf(
			"[WARN] muster: received old event %s from time %d (current: %d)",
			eventMsg.Name,
			eventMsg.LTime,
			curTime)
		return false
	}

	// Check if we've already seen this
	idx := eventMsg.LTime % LamportTime(len(s.eventBuffer))
	seen := s.eventBuffer[idx]
	userEvent := userEvent{Name: eventMsg.Name, Payload: eventMsg.Payload}
	if seen != nil && seen.LTime == eventMsg.LTime {
		for _, previous := range seen.Events {
			if previous.Equals(&userEvent) {
				return false
			}
		}
	} else {
		seen = &userEvents{LTime: eventMsg.LTime}
		s.eventBuffer[idx] = seen
	}

	// Add to recent events
	seen.Events = append(seen.Events, userEvent)

	metrics.IncrCounter([]string{"muster", "events"}, 1)
	metrics.IncrCounter([]string{"muster", "events", eventMsg.Name}, 1)

	if s.eventCh != nil {
		s.eventCh <- UserEvent{
			LTime:    eventMsg.LTime,
			Name:     eventMsg.Name,
			Payload:  eventMsg.Payload,
			Coalesce: eventMsg.CC,
		}
	}
	return true
}

// handleQuery is called when a query broadcast is received. Returns if the
// message should be rebroadcast.
func (s *Muster) handleQuery(query *messageQuery) bool {
	// Witness a potentially newer time
	s.queryClock.Witness(query.LTime)

	s.queryLock.Lock()
	defer s.queryLock.Unlock()

	// Ignore if it is before our minimum query time
	if query.LTime < s.queryMinTime {
		return false
	}

	// Check if this message is too old
	curTime := s.queryClock.Time()
	if curTime > LamportTime(len(s.queryBuffer)) &&
		query.LTime < curTime-LamportTime(len(s.queryBuffer)) {
		s.logger.Printf(
			"[WARN] muster: received old query %s from time %d (current: %d)",
			query.Name,
			query.LTime,
			curTime)
		return false
	}

	// Check if we've already seen this
	idx := query.LTime % LamportTime(len(s.queryBuffer))
	seen := s.queryBuffer[idx]
	if seen != nil && seen.LTime == query.LTime {
		for _, previous := range seen.QueryIDs {
			if previous == query.ID {
				// Seen this ID already
				return false
			}
		}
	} else {
		seen = &queries{LTime: query.LTime}
		s.queryBuffer[idx] = seen
	}

	// Add to recent queries
	seen.QueryIDs = append(seen.QueryIDs, query.ID)

	// Update some metrics
	metrics.IncrCounter([]string{"muster", "queries"}, 1)
	metrics.IncrCounter([]string{"muster", "queries", query.Name}, 1)

	// Check if we should process this query
	if !s.shouldProcessQuery(query.Filters) {
		// Even if we don't process it further, we should rebroadcast,
		// since it is the first time we've seen this.
		return true
	}

	// Send ack if requested, without waiting for client to Respond()
	if query.Ack() {
		ack := messageQueryResponse{
			LTime: query.LTime,
			ID:    query.ID,
			From:  s.config.NodeName,
			Flags: queryFlagAck,
		}
		raw, err := encodeMessage(messageQueryResponseType, &ack)
		if err != nil {
			s.logger.Printf("[ERR] muster: failed to format ack: %v", err)
		} else {
			addr := net.UDPAddr{IP: query.Addr, Port: int(query.Port)}
			if err := s.memberlist.SendTo(&addr, raw); err != nil {
				s.logger.Printf("[ERR] muster: failed to send ack: %v", err)
			}
		}
	}

	if s.eventCh != nil {
		s.eventCh <- &Query{
			LTime:    query.LTime,
			Name:     query.Name,
			Payload:  query.Payload,
			host:     s,
			id:       query.ID,
			addr:     query.Addr,
			port:     query.Port,
			deadline: time.Now().Add(query.Timeout),
		}
	}
	return true
}

// handleQueryResponse is called when a query response is
// received.
func (s *Muster) handleQueryResponse(resp *messageQueryResponse) {
	// Look for a corresponding QueryResponse
	s.queryLock.RLock()
	query, ok := s.queryResponse[resp.LTime]
	s.queryLock.RUnlock()
	if !ok {
		s.logger.Printf("[WARN] muster: reply for non-running query (LTime: %d, ID: %d) From: %s",
			resp.LTime, resp.ID, resp.From)
		return
	}

	// Verify the ID matches
	if query.id != resp.ID {
		s.logger.Printf("[WARN] muster: query reply ID mismatch (Local: %d, Response: %d)",
			query.id, resp.ID)
		return
	}

	// Process each type of response
	if resp.Ack() {
		metrics.IncrCounter([]string{"muster", "query_acks"}, 1)
		if err := query.sendAck(resp); err != nil {
			s.logger.Printf("[WARN] muster: %v", err)
		}
	} else {
		metrics.IncrCounter([]string{"muster", "query_responses"}, 1)
		if err := query.sendResponse(NodeResponse{From: resp.From, Payload: resp.Payload}); err != nil {
			s.logger.Printf("[WARN] muster: %v", err)
		}
	}
}

// handleNodeConflict is invoked when a join detects a conflict over a name.
// This means two different nodes (IP/Port) are claiming the same name. The
// memberlist state is unchanged; we resolve by asking the cluster which
// node it actually has, and log if we appear to be the minority.
func (s *Muster) handleNodeConflict(existing, other *memberlist.Node) {
	// Log a basic warning if the node is not us...
	if existing.Name != s.config.NodeName {
		s.logger.Printf("[WARN] muster: Name conflict for '%s' both %s:%d and %s:%d are claiming",
			existing.Name, existing.Addr, existing.Port, other.Addr, other.Port)
		return
	}

	// The current node is conflicting! This is an error
	s.logger.Printf("[ERR] muster: Node name conflicts with another node at %s:%d. Names must be unique! (Resolution enabled: %v)",
		other.Addr, other.Port, s.config.EnableNameConflictResolution)

	// If automatic resolution is enabled, kick off the resolution
	if s.config.EnableNameConflictResolution {
		go s.resolveNodeConflict()
	}
}

// resolveNodeConflict is used to determine which node should remain during
// a name conflict. This is done by running an internal query.
func (s *Muster) resolveNodeConflict() {
	// Get the local node
	local := s.memberlist.LocalNode()

	// Start a name resolution query
	qName := internalQueryName(conflictQuery)
	payload := []byte(s.config.NodeName)
	resp, err := s.Query(qName, payload, nil)
	if err != nil {
		s.logger.Printf("[ERR] muster: Failed to start name resolution query: %v", err)
		return
	}

	// Counter to determine winner
	var responses, matching int

	// Gather responses
	respCh := resp.ResponseCh()
	for r := range respCh {
		// Decode the response
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageConflictResponseType {
			s.logger.Printf("[ERR] muster: Invalid conflict query response type: %v", r.Payload)
			continue
		}
		var member messageConflictResponse
		if err := decodeMessage(r.Payload[1:], &member); err != nil {
			s.logger.Printf("[ERR] muster: Failed to decode conflict query response: %v", err)
			continue
		}

		// Update the counters
		responses++
		if member.Member.Addr.Equal(local.Addr) && member.Member.Port == local.Port {
			matching++
		}
	}

	// Query over, determine if we are the winner
	majority := (responses / 2) + 1
	if matching >= majority {
		s.logger.Printf("[INFO] muster: majority in name conflict resolution [%d / %d]",
			matching, responses)
		return
	}

	// We are in the minority; the operator must intervene, since shutting
	// the node down is the embedding application's decision.
	s.logger.Printf("[WARN] muster: minority in name conflict resolution, cluster keeps the other node [%d / %d]",
		matching, responses)
}

// eraseNode removes all state for the named node. Used by the reaper once
// a tombstone has expired.
func (s *Muster) eraseNode(name string) {
	s.registry.access(func(r *roster) {
		r.eraseNode(name)
	})
}

// checkQueueDepth periodically checks the size of a queue to see if
// it is too large
func (s *Muster) checkQueueDepth(name string, queue *memberlist.TransmitLimitedQueue) {
	for {
		select {
		case <-time.After(time.Second):
			numq := queue.NumQueued()
			metrics.AddSample([]string{"muster", "queue", name}, float32(numq))
			if numq >= s.config.QueueDepthWarning {
				s.logger.Printf("[WARN] muster: %s queue depth: %d", name, numq)
			}
			if numq > s.config.MaxQueueDepth {
				s.logger.Printf("[WARN] muster: %s queue depth (%d) exceeds limit (%d), dropping messages!",
					name, numq, s.config.MaxQueueDepth)
				queue.Prune(s.config.MaxQueueDepth)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// rejoin attempts to ignite the cluster again. The nodes are tried in the
// randomized order the snapshotter returned them; the first successful
// join wins.
func (s *Muster) rejoin(previous []*PreviousNode) {
	for _, prev := range previous {
		// Do not attempt to join ourself
		if prev.Name == s.config.NodeName {
			continue
		}

		s.logger.Printf("[INFO] muster: Attempting re-join to previously known node: %s", prev)
		num, err := s.memberlist.Join([]string{prev.Addr})
		if err == nil {
			s.logger.Printf("[INFO] muster: Re-joined to previously known node: %s", prev)
			if num > 0 {
				if err := s.broadcastJoin(s.clock.Time()); err != nil {
					s.logger.Printf("[WARN] muster: Failed to broadcast join intent on re-join: %v", err)
				}
			}
			return
		}
	}
	s.logger.Printf("[WARN] muster: Failed to re-join any previously known node")
}

// encodePushPullState encodes the current state for a push/pull exchange.
func (s *Muster) encodePushPullState() []byte {
	pp := messagePushPull{
		LTime:      s.clock.Time(),
		EventLTime: s.eventClock.Time(),
		QueryLTime: s.queryClock.Time(),
	}

	s.registry.access(func(r *roster) {
		pp.StatusLTimes = make(map[string]LamportTime, len(r.members))
		pp.LeftMembers = make([]string, 0, len(r.leftMembers))
		for name, member := range r.members {
			pp.StatusLTimes[name] = member.statusLTime
		}
		for _, member := range r.leftMembers {
			pp.LeftMembers = append(pp.LeftMembers, member.Name)
		}
	})

	s.eventLock.RLock()
	pp.Events = make([]*userEvents, len(s.eventBuffer))
	copy(pp.Events, s.eventBuffer)
	s.eventLock.RUnlock()

	buf, err := encodeMessage(messagePushPullType, &pp)
	if err != nil {
		s.logger.Printf("[ERR] muster: failed to encode local state: %v", err)
		return nil
	}
	return buf
}

// mergeRemoteState is invoked after a push/pull with the state received
// from the remote side.
func (s *Muster) mergeRemoteState(pp *messagePushPull) {
	// Witness the Lamport clocks first.
	// We subtract one since no message with that clock has been sent yet
	if pp.LTime > 0 {
		s.clock.Witness(pp.LTime - 1)
	}
	if pp.EventLTime > 0 {
		s.eventClock.Witness(pp.EventLTime - 1)
	}
	if pp.QueryLTime > 0 {
		s.queryClock.Witness(pp.QueryLTime - 1)
	}

	// Process the left nodes first to avoid the LTimes from incrementing
	// in the wrong order
	leftMap := make(map[string]struct{}, len(pp.LeftMembers))
	leave := messageLeave{}
	for _, name := range pp.LeftMembers {
		leftMap[name] = struct{}{}
		leave.LTime = pp.StatusLTimes[name]
		leave.Node = name
		s.handleNodeLeaveIntent(&leave)
	}

	// Update any other LTimes
	join := messageJoin{}
	for name, statusLTime := range pp.StatusLTimes {
		// Skip the left nodes
		if _, ok := leftMap[name]; ok {
			continue
		}

		// Create an artificial join message
		join.LTime = statusLTime
		join.Node = name
		s.handleNodeJoinIntent(&join)
	}

	// If we are doing a join, and eventJoinIgnore is set
	// then we set the eventMinTime to the EventLTime. This
	// prevents any of the incoming events from being processed
	if s.eventJoinIgnore {
		s.eventLock.Lock()
		if pp.EventLTime > s.eventMinTime {
			s.eventMinTime = pp.EventLTime
		}
		s.eventLock.Unlock()
	}

	// Process all the events
	userEvent := messageUserEvent{}
	for _, events := range pp.Events {
		if events == nil {
			continue
		}
		userEvent.LTime = events.LTime
		for _, e := range events.Events {
			userEvent.Name = e.Name
			userEvent.Payload = e.Payload
			s.handleUserEvent(&userEvent)
		}
	}
}

// Stats is used to provide operator debugging information
func (s *Muster) Stats() map[string]string {
	toString := func(v uint64) string {
		return strconv.FormatUint(v, 10)
	}
	var failed, left int
	s.registry.access(func(r *roster) {
		failed = len(r.failedMembers)
		left = len(r.leftMembers)
	})
	stats := map[string]string{
		"members":      toString(uint64(s.NumMembers())),
		"failed":       toString(uint64(failed)),
		"left":         toString(uint64(left)),
		"member_time":  toString(uint64(s.clock.Time())),
		"event_time":   toString(uint64(s.eventClock.Time())),
		"query_time":   toString(uint64(s.queryClock.Time())),
		"intent_queue": toString(uint64(s.broadcasts.NumQueued())),
		"event_queue":  toString(uint64(s.eventBroadcasts.NumQueued())),
		"query_queue":  toString(uint64(s.queryBroadcasts.NumQueued())),
	}
	return stats
}

// WriteKeyringFile persists the in-memory keyring to the configured
// KeyringFile. It is a no-op when no KeyringFile is configured.
func (s *Muster) WriteKeyringFile() error {
	if s.config.KeyringFile == "" {
		return nil
	}
	keyring := s.config.MemberlistConfig.Keyring
	if keyring == nil {
		return fmt.Errorf("No keyring available to write")
	}
	return writeKeyringFile(s.config.KeyringFile, keyring)
}

// loadKeyringFile reads the keyring file from disk, if it exists, and
// installs the keys onto the memberlist configuration.
func (s *Muster) loadKeyringFile(path string) error {
	keys, err := loadKeyringFile(path)
	if err != nil {
		return err
	}
	if keys == nil {
		// No keyring file on disk yet; nothing to install.
		return nil
	}

	keyring, err := memberlist.NewKeyring(keys, keys[0])
	if err != nil {
		return err
	}
	s.config.MemberlistConfig.Keyring = keyring
	return nil
}

// base64Keys renders the keyring's keys, primary first.
func base64Keys(keyring *memberlist.Keyring) []string {
	keys := keyring.GetKeys()
	encoded := make([]string, 0, len(keys))
	for _, key := range keys {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(key))
	}
	return encoded
}
