package muster

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeMessage(t *testing.T) {
	msg := &messageLeave{LTime: 42, Node: "foo"}
	buf, err := encodeMessage(messageLeaveType, msg)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if messageType(buf[0]) != messageLeaveType {
		t.Fatalf("bad type prefix: %d", buf[0])
	}

	var out messageLeave
	if err := decodeMessage(buf[1:], &out); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(msg, &out) {
		t.Fatalf("mismatch: %v %v", msg, &out)
	}
}

func TestQueryFlags(t *testing.T) {
	q := messageQuery{}
	if q.Ack() {
		t.Fatalf("no ack by default")
	}
	q.Flags |= queryFlagAck
	if !q.Ack() {
		t.Fatalf("ack should be set")
	}
}

func TestEncodeDecodeTags(t *testing.T) {
	tags := map[string]string{
		"role":       "webserver",
		"datacenter": "east",
	}
	buf := encodeTags(tags)
	if buf[0] != tagMagicByte {
		t.Fatalf("missing magic byte")
	}

	out := decodeTags(buf)
	if !reflect.DeepEqual(tags, out) {
		t.Fatalf("mismatch: %v %v", tags, out)
	}
}

func TestDecodeTags_LegacyRole(t *testing.T) {
	// Meta from an older agent is a bare role string
	out := decodeTags([]byte("webserver"))
	if out["role"] != "webserver" {
		t.Fatalf("bad: %v", out)
	}
}

func TestDecodeTags_Empty(t *testing.T) {
	out := decodeTags(nil)
	if out["role"] != "" {
		t.Fatalf("bad: %v", out)
	}
}
