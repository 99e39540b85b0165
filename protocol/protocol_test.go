package protocol

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
	"github.com/marilib/marigo/packet"
)

func TestIsTestPacket(t *testing.T) {
	cases := []struct {
		payload []byte
		want    bool
	}{
		{[]byte("LTNC1234"), true},
		{[]byte("L"), true},
		{[]byte("hello"), false},
		{[]byte("LT"), false},
		{[]byte(""), false},
	}
	for _, c := range cases {
		if got := IsTestPacket(c.payload); got != c.want {
			t.Errorf("IsTestPacket(%q) = %v, want %v", c.payload, got, c.want)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(0x0001, BroadcastAddress, 0x01, []byte("hello"))
	encoded := f.Encode(nil)
	got, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if diff := deep.Equal(got, f); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestEdgeEventRoundTripNodeAddress(t *testing.T) {
	for _, tag := range []Tag{TagNodeJoined, TagNodeLeft, TagNodeKeepAlive} {
		e := EdgeEvent{Tag: tag, NodeAddress: 0x01}
		b := e.Encode()
		got, err := DecodeEdgeEvent(b)
		if err != nil {
			t.Fatalf("tag %v: DecodeEdgeEvent: %v", tag, err)
		}
		if diff := deep.Equal(got, e); diff != nil {
			t.Errorf("tag %v round trip mismatch: %v", tag, diff)
		}
	}
}

func TestEdgeEventDecodesNodeJoinedBytes(t *testing.T) {
	// "01 01 00 00 00 00 00 00 00 00" is JOIN for node 0x01.
	join := []byte{0x01, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}
	e, err := DecodeEdgeEvent(join)
	if err != nil {
		t.Fatalf("DecodeEdgeEvent: %v", err)
	}
	if e.Tag != TagNodeJoined || e.NodeAddress != 0x01 {
		t.Errorf("got %+v", e)
	}

	left := []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}
	e, err = DecodeEdgeEvent(left)
	if err != nil {
		t.Fatalf("DecodeEdgeEvent: %v", err)
	}
	if e.Tag != TagNodeLeft || e.NodeAddress != 0x01 {
		t.Errorf("got %+v", e)
	}
}

func TestEdgeEventRoundTripFrame(t *testing.T) {
	f := NewFrame(1, BroadcastAddress, 1, []byte("hello"))
	e := EdgeEvent{Tag: TagNodeData, Frame: f}
	got, err := DecodeEdgeEvent(e.Encode())
	if err != nil {
		t.Fatalf("DecodeEdgeEvent: %v", err)
	}
	if diff := deep.Equal(got, e); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestEdgeEventRoundTripGatewayInfo(t *testing.T) {
	g := packet.GatewayInfo{Address: 0x01, NetworkID: 1, ScheduleID: 2}
	e := EdgeEvent{Tag: TagGatewayInfo, GatewayInfo: g}
	got, err := DecodeEdgeEvent(e.Encode())
	if err != nil {
		t.Fatalf("DecodeEdgeEvent: %v", err)
	}
	if diff := deep.Equal(got, e); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestDecodeEdgeEventUnknownTag(t *testing.T) {
	_, err := DecodeEdgeEvent([]byte{0xFF, 0x00})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestCloudEventRoundTrip(t *testing.T) {
	n := packet.NodeInfoCloud{GatewayAddress: 0x10, NodeAddress: 0x20}
	for _, tag := range []Tag{TagNodeJoined, TagNodeLeft, TagNodeKeepAlive} {
		e := CloudEvent{Tag: tag, NodeInfo: n}
		got, err := DecodeCloudEvent(e.Encode())
		if err != nil {
			t.Fatalf("tag %v: %v", tag, err)
		}
		if diff := deep.Equal(got, e); diff != nil {
			t.Errorf("tag %v round trip mismatch: %v", tag, diff)
		}
	}
}

func TestEncodeDownlinkCommand(t *testing.T) {
	f := NewFrame(1, 0x02, 0x00, []byte("x"))
	got := EncodeDownlinkCommand(f)
	if got[0] != DownlinkCommandTag {
		t.Fatalf("first byte = 0x%02X, want 0x%02X", got[0], DownlinkCommandTag)
	}
	if !bytes.Equal(got[1:], f.Encode(nil)) {
		t.Error("command body does not match frame encoding")
	}
}

func TestMaxDownlinkRateSchedule2(t *testing.T) {
	// schedule_id=2 (d_down=10, sf=109.21ms) -> ~91.57 pkt/s.
	got := MaxDownlinkRate(2)
	want := 10.0 / (109.21 / 1000.0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("MaxDownlinkRate(2) = %v, want %v", got, want)
	}
}

func TestMaxDownlinkRateUnknownSchedule(t *testing.T) {
	if got := MaxDownlinkRate(99); got != 0 {
		t.Errorf("MaxDownlinkRate(99) = %v, want 0", got)
	}
}

func TestScheduleNameUnknown(t *testing.T) {
	if got := ScheduleName(99); got != "unknown" {
		t.Errorf("ScheduleName(99) = %q, want unknown", got)
	}
}
