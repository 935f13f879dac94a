package muster

import (
	"fmt"

	"github.com/armon/go-metrics"
)

// delegate is the memberlist.Delegate implementation that muster uses.
type delegate struct {
	muster *Muster
}

func (d *delegate) NodeMeta(limit int) []byte {
	roleBytes := encodeTags(d.muster.config.Tags)
	if len(roleBytes) > limit {
		panic(fmt.Errorf("node tags '%v' exceeds length limit of %d bytes", d.muster.config.Tags, limit))
	}

	return roleBytes
}

func (d *delegate) NotifyMsg(buf []byte) {
	// If we didn't actually receive any data, then ignore it.
	if len(buf) == 0 {
		return
	}
	metrics.AddSample([]string{"muster", "msgs", "received"}, float32(len(buf)))

	rebroadcast := false
	rebroadcastQueue := d.muster.broadcasts
	t := messageType(buf[0])
	switch t {
	case messageLeaveType:
		var leave messageLeave
		if err := decodeMessage(buf[1:], &leave); err != nil {
			d.muster.logger.Printf("[ERR] muster: Error decoding leave message: %s", err)
			break
		}

		d.muster.logger.Printf("[DEBUG] muster: messageLeaveType: %s", leave.Node)
		rebroadcast = d.muster.handleNodeLeaveIntent(&leave)

	case messageJoinType:
		var join messageJoin
		if err := decodeMessage(buf[1:], &join); err != nil {
			d.muster.logger.Printf("[ERR] muster: Error decoding join message: %s", err)
			break
		}

		d.muster.logger.Printf("[DEBUG] muster: messageJoinType: %s", join.Node)
		rebroadcast = d.muster.handleNodeJoinIntent(&join)

	case messageUserEventType:
		var event messageUserEvent
		if err := decodeMessage(buf[1:], &event); err != nil {
			d.muster.logger.Printf("[ERR] muster: Error decoding user event: %s", err)
			break
		}

		d.muster.logger.Printf("[DEBUG] muster: messageUserEventType: %s", event.Name)
		rebroadcast = d.muster.handleUserEvent(&event)
		rebroadcastQueue = d.muster.eventBroadcasts

	case messageQueryType:
		var query messageQuery
		if err := decodeMessage(buf[1:], &query); err != nil {
			d.muster.logger.Printf("[ERR] muster: Error decoding query: %s", err)
			break
		}

		d.muster.logger.Printf("[DEBUG] muster: messageQueryType: %s", query.Name)
		rebroadcast = d.muster.handleQuery(&query)
		rebroadcastQueue = d.muster.queryBroadcasts

	case messageQueryResponseType:
		var resp messageQueryResponse
		if err := decodeMessage(buf[1:], &resp); err != nil {
			d.muster.logger.Printf("[ERR] muster: Error decoding query response: %s", err)
			break
		}

		d.muster.logger.Printf("[DEBUG] muster: messageQueryResponseType: %v", resp.From)
		d.muster.handleQueryResponse(&resp)

	default:
		d.muster.logger.Printf("[WARN] muster: Received message of unknown type: %d", t)
	}

	if rebroadcast {
		// Copy the buffer since it we cannot rely on the slice not changing
		newBuf := make([]byte, len(buf))
		copy(newBuf, buf)

		rebroadcastQueue.QueueBroadcast(&broadcast{
			msg:    newBuf,
			notify: nil,
		})
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	msgs := d.muster.broadcasts.GetBroadcasts(overhead, limit)

	// Determine the bytes used already
	bytesUsed := 0
	for _, msg := range msgs {
		bytesUsed += len(msg) + overhead
	}

	// Get any additional query broadcasts
	queryMsgs := d.muster.queryBroadcasts.GetBroadcasts(overhead, limit-bytesUsed)
	if queryMsgs != nil {
		for _, m := range queryMsgs {
			bytesUsed += len(m) + overhead
		}
		msgs = append(msgs, queryMsgs...)
	}

	// Get any additional event broadcasts
	eventMsgs := d.muster.eventBroadcasts.GetBroadcasts(overhead, limit-bytesUsed)
	if eventMsgs != nil {
		msgs = append(msgs, eventMsgs...)
	}

	return msgs
}

func (d *delegate) LocalState(join bool) []byte {
	return d.muster.encodePushPullState()
}

func (d *delegate) MergeRemoteState(buf []byte, isJoin bool) {
	// Ensure we have a message
	if len(buf) == 0 {
		d.muster.logger.Printf("[ERR] muster: Remote state is zero bytes")
		return
	}

	// Check the message type
	if messageType(buf[0]) != messagePushPullType {
		d.muster.logger.Printf("[ERR] muster: Remote state has bad type prefix: %v", buf[0])
		return
	}

	// Attempt a decode
	pp := messagePushPull{}
	if err := decodeMessage(buf[1:], &pp); err != nil {
		d.muster.logger.Printf("[ERR] muster: Failed to decode remote state: %v", err)
		return
	}

	d.muster.mergeRemoteState(&pp)
}
