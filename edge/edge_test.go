package edge

import (
	"sync"
	"testing"

	"github.com/marilib/marigo/metrics"
	"github.com/marilib/marigo/packet"
	"github.com/marilib/marigo/protocol"
	"github.com/marilib/marigo/transport"
)

// fakeByteStream is an in-memory transport.ByteStream: ReadByte drains a
// preloaded queue (test input), Write records what was sent (simulated
// gateway traffic).
type fakeByteStream struct {
	mu      sync.Mutex
	in      []byte
	written [][]byte
}

func (f *fakeByteStream) ReadByte() (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) == 0 {
		return 0, errEOF{}
	}
	b := f.in[0]
	f.in = f.in[1:]
	return b, nil
}

func (f *fakeByteStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeByteStream) Close() error { return nil }

type errEOF struct{}

func (errEOF) Error() string { return "EOF" }

func newCoordinator(t *testing.T) (*Coordinator, *[]Event) {
	t.Helper()
	var events []Event
	var mu sync.Mutex
	cb := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	c := NewCoordinator(Config{NetworkID: 1}, &fakeByteStream{}, transport.NullBroker{}, metrics.NullSink{}, cb)
	return c, &events
}

func TestDispatchNodeJoinDataLeftSequence(t *testing.T) {
	// A node joins, sends a broadcast data frame, then leaves.
	c, events := newCoordinator(t)

	c.Dispatch([]byte{0x01, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}) // NODE_JOINED(0x01)

	f := protocol.NewFrame(1, protocol.BroadcastAddress, 0x01, []byte("hello"))
	dataEvent := protocol.EdgeEvent{Tag: protocol.TagNodeData, Frame: f}
	c.Dispatch(dataEvent.Encode())

	c.Dispatch([]byte{0x02, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}) // NODE_LEFT(0x01)

	if len(*events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(*events), *events)
	}
	if (*events)[0].Tag != protocol.TagNodeJoined || (*events)[0].Node.Address != 0x01 {
		t.Errorf("event 0 = %+v", (*events)[0])
	}
	if (*events)[1].Tag != protocol.TagNodeData || string((*events)[1].Frame.Payload) != "hello" {
		t.Errorf("event 1 = %+v", (*events)[1])
	}
	if (*events)[2].Tag != protocol.TagNodeLeft || (*events)[2].Node.Address != 0x01 {
		t.Errorf("event 2 = %+v", (*events)[2])
	}

	addr, _ := c.Gateway()
	_ = addr
	if _, ok := c.GetNode(0x01); ok {
		t.Error("registry should be empty after NODE_LEFT")
	}
}

func TestDispatchLatencyFrameSuppressesApplicationCallback(t *testing.T) {
	c, events := newCoordinator(t)
	c.gateway.AddNode(0x02)

	payload := append(append([]byte{}, protocol.LatencyMagic...), 0xAA, 0xBB, 0xCC, 0xDD)
	f := protocol.NewFrame(1, protocol.BroadcastAddress, 0x02, payload)
	e := protocol.EdgeEvent{Tag: protocol.TagNodeData, Frame: f}
	c.Dispatch(e.Encode())

	if len(*events) != 0 {
		t.Errorf("expected no application callback for a latency frame, got %+v", *events)
	}
}

func TestDispatchStatsReplyUpdatesPDRAndSuppressesCallback(t *testing.T) {
	c, events := newCoordinator(t)
	node := c.gateway.AddNode(0x02)
	for i := 0; i < 100; i++ {
		node.RegisterSentFrame(false)
	}

	reply := packet.NodeStatsReply{RxAppPackets: 80, TxAppPackets: 200}
	payload := reply.Encode(nil)
	f := protocol.NewFrame(1, protocol.BroadcastAddress, 0x02, payload)
	e := protocol.EdgeEvent{Tag: protocol.TagNodeData, Frame: f}
	c.Dispatch(e.Encode())

	if len(*events) != 0 {
		t.Errorf("expected no application callback for a stats-reply frame, got %+v", *events)
	}
	if got := node.PDRDownlink; got != 0.8 {
		t.Errorf("PDRDownlink = %v, want 0.8", got)
	}
}

func TestSendFrameBroadcastUpdatesAllLiveNodes(t *testing.T) {
	c, _ := newCoordinator(t)
	n1 := c.gateway.AddNode(0x01)
	n2 := c.gateway.AddNode(0x02)

	c.SendFrame(protocol.BroadcastAddress, []byte("x"))

	if n1.Stats.CumulativeSentNonTest != 1 || n2.Stats.CumulativeSentNonTest != 1 {
		t.Errorf("expected both nodes to record the broadcast, got %d/%d",
			n1.Stats.CumulativeSentNonTest, n2.Stats.CumulativeSentNonTest)
	}

	stream := c.serial.(*fakeByteStream)
	if len(stream.written) != 1 {
		t.Fatalf("expected 1 write, got %d", len(stream.written))
	}
	if stream.written[0][0] != protocol.DownlinkCommandTag {
		t.Errorf("first byte = 0x%02X, want 0x%02X", stream.written[0][0], protocol.DownlinkCommandTag)
	}
}

func TestSendFrameLoadPacketExcludedFromNonTestStats(t *testing.T) {
	c, _ := newCoordinator(t)
	c.SendFrame(protocol.BroadcastAddress, []byte(protocol.LoadPacketPayload))

	if c.gateway.Stats.CumulativeSentNonTest != 0 {
		t.Errorf("load packet should not contribute to non-test sent count, got %d",
			c.gateway.Stats.CumulativeSentNonTest)
	}
	if c.gateway.Stats.CumulativeSent != 1 {
		t.Errorf("load packet should still contribute to cumulative sent count, got %d",
			c.gateway.Stats.CumulativeSent)
	}
}
