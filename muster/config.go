package muster

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/hashicorp/memberlist"
)

// ProtocolVersionMap is the mapping of muster delegate protocol versions
// to memberlist protocol versions. We mask the memberlist protocols using
// our own protocol version.
var ProtocolVersionMap map[uint8]uint8

func init() {
	ProtocolVersionMap = map[uint8]uint8{
		5: 2,
		4: 2,
	}
}

// Config is the configuration for creating a Muster instance.
type Config struct {
	// The name of this node. This must be unique in the cluster.
	// DefaultConfig sets it to the hostname of the running machine; Create
	// returns an error if it is empty.
	NodeName string

	// The tags for this role, if any. This is used to provide arbitrary
	// key/value metadata per-node. The "role" tag is special, and is
	// exposed as a top-level accessor for compatibility with older
	// deployments that only carried a role string.
	Tags map[string]string

	// EventCh is a channel that receives all the muster events. The events
	// are sent on this channel in proper ordering. Care must be taken that
	// this channel doesn't block, either by processing the events quick
	// enough or buffering the channel, otherwise it can block state updates
	// within muster itself. If no EventCh is specified, no events will be
	// fired, but point-in-time snapshots of members can still be retrieved
	// by calling Members.
	EventCh chan<- Event

	// ProtocolVersion is the protocol version to speak. This must be
	// between ProtocolVersionMin and ProtocolVersionMax.
	ProtocolVersion uint8

	// BroadcastTimeout is the amount of time to wait for a broadcast
	// message to be sent to the cluster. Broadcast messages are used for
	// things like leave messages and force remove messages. If this is not
	// set, a timeout of 5 seconds will be set.
	BroadcastTimeout time.Duration

	// LeavePropagateDelay is for our leave (node dead) message to propagate
	// through the cluster. In particular, we want to stay up long enough to
	// service any probes from other nodes before they learn about us
	// leaving and stop probing. Otherwise, we risk getting node failures as
	// we leave.
	LeavePropagateDelay time.Duration

	// The settings below relate to muster's event coalescence feature.
	// Muster can coalesce multiple events into single events in order to
	// reduce the amount of noise that is sent along the EventCh. For
	// example if five nodes quickly join, the EventCh will be sent one
	// EventMemberJoin containing the five nodes rather than five individual
	// EventMemberJoin events. Coalescence can mitigate potential flapping
	// behavior.
	//
	// Coalescence is disabled by default and can be enabled by setting
	// CoalescePeriod.
	//
	// CoalescePeriod specifies the time duration to coalesce events. For
	// example, if this is set to 5 seconds, then all events received within
	// 5 seconds that can be coalesced will be.
	//
	// QuiescentPeriod specifies the duration of time where if no events are
	// received, coalescence immediately happens. For example, if
	// CoalescePeriod is set to 10 seconds but QuiescentPeriod is set to 2
	// seconds, then the events will be coalesced and dispatched if no
	// events are received within 2 seconds of the last event. Otherwise,
	// every event will always be delayed by at least 10 seconds.
	CoalescePeriod  time.Duration
	QuiescentPeriod time.Duration

	// The settings below relate to muster's user event coalescing feature.
	// The settings operate like above but only affect user messages and
	// not the member messages that are handled by the above.
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	// The settings below relate to muster keeping track of recently
	// departed nodes so that it can try to reconnect to them in the case of
	// a partition.
	//
	// ReapInterval is the interval when the reaper runs. If this is not
	// set (it is zero), it will be set to a reasonable default.
	//
	// ReconnectInterval is the interval when we attempt to reconnect
	// to failed nodes. If this is not set (it is zero), it will be set
	// to a reasonable default.
	//
	// ReconnectTimeout is the amount of time to attempt to reconnect to
	// a failed node before giving up and considering it completely gone.
	//
	// TombstoneTimeout is the amount of time to keep around nodes
	// that gracefully left as tombstones for syncing state with other
	// muster nodes.
	ReapInterval      time.Duration
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration
	TombstoneTimeout  time.Duration

	// QueueDepthWarning is used to generate warning message if the
	// number of queued messages to broadcast exceeds this number. This
	// is to provide the user feedback if events are being triggered
	// faster than they can be disseminated
	QueueDepthWarning int

	// MaxQueueDepth is used to start dropping messages if the number
	// of queued messages to broadcast exceeds this number. This is to
	// prevent an unbounded growth of memory utilization
	MaxQueueDepth int

	// RecentIntentBuffer is used to set the size of the buffer of recent
	// join and leave intent messages received. It is used to guard against
	// the case where muster broadcasts an intent for a node before
	// memberlist notifies us about the node.
	RecentIntentBuffer int

	// EventBuffer is used to control how many events are buffered. This is
	// used to prevent re-delivery of events to the application. The buffer
	// must be large enough to handle all "recent" events, since muster will
	// not deliver messages that are older than the oldest entry in the
	// buffer. Thus if a client is generating too many events, it's possible
	// that the buffer gets overrun and messages are not delivered.
	EventBuffer int

	// QueryBuffer is used to control how many queries are buffered. This
	// is used to prevent re-delivery of queries to the application. The
	// buffer must be large enough to handle all "recent" events, since
	// muster will not deliver queries older than the oldest entry in the
	// buffer. Thus if a client is generating too many queries, it's
	// possible that the buffer gets overrun and messages are not delivered.
	QueryBuffer int

	// QueryTimeoutMult configures the default timeout multiplier for a
	// query to run if no specific value is provided. Queries are real-time
	// by nature, where the reply is time sensitive. As a result, results
	// are collected in an async fashion, however the query must have a
	// bounded duration. We want the timeout to be long enough that all
	// nodes have time to receive the message, run a handler, and generate
	// a reply. Once the timeout is exceeded, any further replies are
	// ignored. The default value is
	//
	//   Timeout = GossipInterval * QueryTimeoutMult * log(N+1)
	//
	QueryTimeoutMult int

	// QueryResponseSizeLimit and QuerySizeLimit limit the inbound and
	// outbound payload sizes for queries, respectively. These must fit in
	// a UDP packet with some additional overhead, so tuning these past the
	// default values of 1024 will depend on your network configuration.
	QueryResponseSizeLimit int
	QuerySizeLimit         int

	// UserEventSizeLimit is the maximum byte size of a user event, counted
	// as the length of the event name plus the payload plus the fixed
	// allowance userEventSizeOverhead. Events bigger than this are
	// rejected before they are encoded and broadcast.
	UserEventSizeLimit int

	// MemberlistConfig is the memberlist configuration that muster will
	// use to do the underlying membership management and gossip. Some
	// fields in the MemberlistConfig will be overwritten by muster no
	// matter what:
	//
	//   * Name - This will always be set to the same as the NodeName
	//     in this configuration.
	//
	//   * Events - muster uses a custom event delegate.
	//
	//   * Delegate - muster uses a custom delegate.
	//
	MemberlistConfig *memberlist.Config

	// LogOutput is the location to write logs to. If this is not set,
	// logs will go to stderr.
	LogOutput io.Writer

	// LogLevel gates the log lines written to LogOutput. When set, lines
	// below the level are filtered with a logutils level filter. Accepted
	// values are DEBUG, INFO, WARN and ERR.
	LogLevel string

	// Logger is a custom logger which you provide. If Logger is set, it
	// will use this for the internal logger. If Logger is not set, it will
	// fall back to the behavior for using LogOutput. You cannot specify
	// both LogOutput and Logger at the same time.
	Logger *log.Logger

	// SnapshotPath if provided is used to snapshot live nodes as well as
	// lamport clock values. When muster is started with a snapshot, it
	// will attempt to join all the previously known nodes until one
	// succeeds and will also avoid replaying old user events.
	SnapshotPath string

	// SnapshotSizeLimit is the byte size of the snapshot file past which
	// the snapshotter compacts the log into a fresh file. If this is not
	// set, a reasonable default is used.
	SnapshotSizeLimit int64

	// SnapshotDropEvents controls the backpressure policy of the
	// snapshotter's bounded input channel. When false (the default),
	// producers block until the snapshotter drains. When true, events are
	// dropped with a logged warning once the channel is full.
	SnapshotDropEvents bool

	// RejoinAfterLeave controls our interaction with the snapshot file.
	// When set to false (default), a leave causes a muster node to not
	// rejoin the cluster until an explicit join is received. If this is
	// set to true, we ignore the leave, and rejoin the cluster on start.
	RejoinAfterLeave bool

	// EnableNameConflictResolution activates the name conflict resolution
	// feature. This feature is used to determine which node should remain
	// within a cluster when there is a name conflict.
	EnableNameConflictResolution bool

	// KeyringFile provides the location of a writable file where muster
	// can persist changes to the encryption keyring.
	KeyringFile string
}

// Init allocates the subdata structures
func (c *Config) Init() {
	if c.Tags == nil {
		c.Tags = make(map[string]string)
	}
}

// logOutput resolves the writer logs go to, applying the level filter
// when LogLevel is set.
func (c *Config) logOutput() io.Writer {
	out := c.LogOutput
	if out == nil {
		out = os.Stderr
	}
	if c.LogLevel == "" {
		return out
	}
	return &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"},
		MinLevel: logutils.LogLevel(c.LogLevel),
		Writer:   out,
	}
}

// DefaultConfig returns a Config struct that contains reasonable defaults
// for most of the configurations.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	return &Config{
		NodeName:                     hostname,
		BroadcastTimeout:             5 * time.Second,
		LeavePropagateDelay:          1 * time.Second,
		EventBuffer:                  512,
		QueryBuffer:                  512,
		ProtocolVersion:              4,
		ReapInterval:                 15 * time.Second,
		RecentIntentBuffer:           128,
		ReconnectInterval:            30 * time.Second,
		ReconnectTimeout:             24 * time.Hour,
		QueueDepthWarning:            128,
		MaxQueueDepth:                4096,
		TombstoneTimeout:             24 * time.Hour,
		MemberlistConfig:             memberlist.DefaultLANConfig(),
		QueryTimeoutMult:             16,
		QueryResponseSizeLimit:       1024,
		QuerySizeLimit:               1024,
		UserEventSizeLimit:           512,
		SnapshotSizeLimit:            128 * 1024,
		EnableNameConflictResolution: true,
	}
}
