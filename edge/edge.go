// Package edge implements the edge coordinator (C5): the component that
// runs on the host attached to a gateway over a serial link, decoding
// inbound events, dispatching them to application code, maintaining
// per-node and per-gateway statistics, and republishing the stream to an
// optional cloud broker.
//
// Grounded on original_source/marilib/marilib_edge.py's MarilibEdge
// dataclass (on_serial_data_received, send_frame, update,
// get_max_downlink_rate, _is_test_packet) and, for the mutex/registry
// discipline and goroutine-per-reader shape, the teacher's saver.go
// Saver (now absorbed into model.Gateway) and the netlink read loop it
// fed from.
package edge

import (
	"bytes"
	"sync"
	"time"

	"github.com/marilib/marigo/hdlc"
	"github.com/marilib/marigo/marierr"
	"github.com/marilib/marigo/metrics"
	"github.com/marilib/marigo/model"
	"github.com/marilib/marigo/packet"
	"github.com/marilib/marigo/protocol"
	"github.com/marilib/marigo/transport"
)

// Event is delivered to the application callback for every non-suppressed
// inbound occurrence, per spec.md §4.4.
type Event struct {
	Tag         protocol.Tag
	Node        *model.Node
	Frame       protocol.Frame
	GatewayInfo packet.GatewayInfo
}

// ApplicationCallback receives edge events. It must not block for long: it
// runs with the coordinator's mutex released but on the same goroutine
// that decoded the event.
type ApplicationCallback func(Event)

// LatencyHandler is the borrowed interface edge uses to hand LATENCY_DATA
// frames to the probe engine, satisfied by *latency.Prober. Declared here
// (not in package latency) so edge does not need to import latency for
// this dependency direction -- latency.FrameSender is the reverse borrow.
type LatencyHandler interface {
	HandleResponse(f protocol.Frame)
}

// Coordinator is the C5 edge coordinator: exactly one Gateway, a serial
// transport, an optional broker, an optional metrics sink, an optional
// latency probe engine, and a mutex guarding all gateway state, per
// spec.md §4.4.
type Coordinator struct {
	mu      sync.Mutex
	gateway *model.Gateway

	serial transport.ByteStream
	broker transport.Broker
	sink   metrics.Sink
	prober LatencyHandler

	onApplication ApplicationCallback

	networkID        uint16
	brokerSubscribed bool

	mainFileHint   string
	serialPortHint string

	startedAt                time.Time
	lastSerialDataReceivedAt time.Time
}

// Config is the configuration envelope a Coordinator is built from
// (spec.md §4.4: "main-file hint, serial port, schedule info").
type Config struct {
	MainFileHint string
	SerialPort   string
	NetworkID    uint16
}

// NewCoordinator constructs a Coordinator. serial must not be nil; broker
// and sink may be transport.NullBroker{} / metrics.NullSink{} when unused.
// It logs the initial setup parameters (main-file hint, serial port), per
// marilib_edge.py's __post_init__.
func NewCoordinator(cfg Config, serial transport.ByteStream, broker transport.Broker, sink metrics.Sink, onApplication ApplicationCallback) *Coordinator {
	now := time.Now()
	c := &Coordinator{
		gateway:                  model.NewGateway(),
		serial:                   serial,
		broker:                   broker,
		sink:                     sink,
		onApplication:            onApplication,
		networkID:                cfg.NetworkID,
		mainFileHint:             cfg.MainFileHint,
		serialPortHint:           cfg.SerialPort,
		startedAt:                now,
		lastSerialDataReceivedAt: now,
	}
	if sink != nil {
		sink.LogSetupParameters(0, metrics.SetupParameters{
			MainFileHint: c.mainFileHint,
			SerialPort:   c.serialPortHint,
		})
	}
	return c
}

// SetLatencyHandler wires a latency prober to receive LATENCY_DATA frames.
// Called once the coordinator owns a *latency.Prober built against it (the
// Prober borrows the Coordinator as a latency.FrameSender/GatewayView; see
// latency.NewProber).
func (c *Coordinator) SetLatencyHandler(h LatencyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prober = h
}

// LatencyStats implements latency.GatewayView.
func (c *Coordinator) LatencyStats() *model.LatencyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateway.LatencyStats
}

// GetNode implements latency.GatewayView.
func (c *Coordinator) GetNode(address uint64) (*model.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateway.GetNode(address)
}

// ScheduleID implements load.ScheduleSource.
func (c *Coordinator) ScheduleID() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway.Info.NetworkID == 0 && c.gateway.Info.ScheduleID == 0 {
		return 0, false
	}
	return c.gateway.Info.ScheduleID, true
}

// ReadLoop runs the C1 byte-decoder over the serial transport until it
// returns an error, dispatching every decoded frame to Dispatch. It is
// meant to be run on its own goroutine ("a dedicated reader thread driven
// by the transport", spec.md §5).
func (c *Coordinator) ReadLoop() error {
	var dec hdlc.Decoder
	for {
		b, err := c.serial.ReadByte()
		if err != nil {
			return marierr.Transport("edge read loop", err)
		}
		switch dec.Feed(b) {
		case hdlc.Ready:
			payload := dec.Payload()
			dec.Reset()
			c.Dispatch(payload)
		case hdlc.Error:
			if c.sink != nil {
				c.sink.ObserveError("hdlc")
			}
			dec.Reset()
		}
	}
}

// Dispatch decodes one HDLC payload as an EdgeEvent and applies it to the
// gateway state, per spec.md §4.4's five inbound event handlers. When a
// broker is configured, the event is first republished on the edge-to-cloud
// topic as a CloudEvent: node events carry a NodeInfoCloud with this
// gateway's address, and frames have Header.Destination set to it.
func (c *Coordinator) Dispatch(data []byte) {
	event, err := protocol.DecodeEdgeEvent(data)
	if err != nil {
		if c.sink != nil {
			c.sink.ObserveError("protocol")
		}
		return
	}

	if c.broker != nil {
		c.mu.Lock()
		gatewayAddr, networkID := c.gateway.Info.Address, c.networkID
		c.mu.Unlock()
		if event.Tag == protocol.TagGatewayInfo {
			gatewayAddr, networkID = event.GatewayInfo.Address, event.GatewayInfo.NetworkID
		}
		fwd := protocol.CloudEvent{Tag: event.Tag, Frame: event.Frame, GatewayInfo: event.GatewayInfo,
			NodeInfo: packet.NodeInfoCloud{GatewayAddress: gatewayAddr, NodeAddress: event.NodeAddress}}
		fwd.Frame.Header.Destination = gatewayAddr
		if err := c.broker.Publish(transport.EdgeToCloudTopic(networkID), fwd.Encode()); err != nil && c.sink != nil {
			c.sink.ObserveError("broker")
		}
	}

	c.mu.Lock()
	c.lastSerialDataReceivedAt = time.Now()

	switch event.Tag {
	case protocol.TagNodeJoined:
		node := c.gateway.AddNode(event.NodeAddress)
		gatewayAddr := c.gateway.Info.Address
		c.mu.Unlock()
		if c.sink != nil {
			c.sink.LogEvent(gatewayAddr, node.Address, "NODE_JOINED")
		}
		c.emit(Event{Tag: protocol.TagNodeJoined, Node: node})

	case protocol.TagNodeLeft:
		node, ok := c.gateway.RemoveNode(event.NodeAddress)
		gatewayAddr := c.gateway.Info.Address
		c.mu.Unlock()
		if ok {
			if c.sink != nil {
				c.sink.LogEvent(gatewayAddr, node.Address, "NODE_LEFT")
			}
			c.emit(Event{Tag: protocol.TagNodeLeft, Node: node})
		}

	case protocol.TagNodeKeepAlive:
		c.gateway.UpdateNodeLiveness(event.NodeAddress)
		c.mu.Unlock()

	case protocol.TagGatewayInfo:
		c.handleGatewayInfo(event.GatewayInfo)

	case protocol.TagNodeData, protocol.TagLatencyData:
		c.handleNodeData(event.Frame)

	default:
		c.mu.Unlock()
	}
}

// handleGatewayInfo must be called with c.mu held; it releases it.
func (c *Coordinator) handleGatewayInfo(info packet.GatewayInfo) {
	first := c.gateway.Info.NetworkID == 0 && !c.brokerSubscribed
	c.gateway.SetInfo(info)
	c.networkID = info.NetworkID
	c.mu.Unlock()

	if first && c.broker != nil {
		c.subscribeBroker(info.NetworkID)
	}
	if first && c.sink != nil {
		c.sink.LogSetupParameters(info.Address, metrics.SetupParameters{
			MainFileHint: c.mainFileHint,
			SerialPort:   c.serialPortHint,
			HasSchedule:  true,
			ScheduleName: protocol.ScheduleName(info.ScheduleID),
			ScheduleID:   info.ScheduleID,
		})
	}
	c.emit(Event{Tag: protocol.TagGatewayInfo, GatewayInfo: info})
}

func (c *Coordinator) subscribeBroker(networkID uint16) {
	topic := transport.CloudToEdgeTopic(networkID)
	err := c.broker.Subscribe(topic, func(payload []byte) {
		c.onBrokerData(payload)
	})
	c.mu.Lock()
	if err == nil {
		c.brokerSubscribed = true
	} else if c.sink != nil {
		c.sink.ObserveError("broker")
	}
	c.mu.Unlock()
}

// onBrokerData forwards a cloud-originated downlink command to the
// gateway, per marilib_edge.py's on_mqtt_data_received.
func (c *Coordinator) onBrokerData(data []byte) {
	event, err := protocol.DecodeCloudEvent(data)
	if err != nil {
		if c.sink != nil {
			c.sink.ObserveError("broker-decode")
		}
		return
	}
	if event.Tag == protocol.TagNodeData {
		c.SendFrame(event.Frame.Header.Destination, event.Frame.Payload)
	}
}

// handleNodeData must be called with c.mu held; it releases it. It
// implements spec.md §4.4 item 5.
func (c *Coordinator) handleNodeData(f protocol.Frame) {
	c.gateway.UpdateNodeLiveness(f.Header.Source)
	node, _ := c.gateway.GetNode(f.Header.Source)

	isTestOrStats := false
	var latencyFrame protocol.Frame
	handOffToLatency := false

	switch {
	case bytes.HasPrefix(f.Payload, protocol.LatencyMagic):
		isTestOrStats = true
		if c.prober != nil {
			handOffToLatency = true
			latencyFrame = f
		}
	case len(f.Payload) == 8:
		if reply, err := packet.DecodeNodeStatsReply(f.Payload); err == nil {
			isTestOrStats = true
			if node != nil {
				node.RecordStatsReply(reply)
			}
		}
	}

	c.gateway.RegisterReceivedFrame(f, isTestOrStats, nil)
	if c.sink != nil {
		c.sink.ObserveFrameReceived(c.gateway.Info.Address, isTestOrStats, nil)
	}
	c.mu.Unlock()

	if handOffToLatency {
		c.prober.HandleResponse(latencyFrame)
	}
	if !isTestOrStats {
		c.emit(Event{Tag: protocol.TagNodeData, Frame: f})
	}
}

func (c *Coordinator) emit(e Event) {
	if c.onApplication != nil {
		c.onApplication(e)
	}
}

// SendFrame builds a Frame to destination carrying payload, records it
// into gateway/node accounting, and transmits it over the serial
// transport, per spec.md §4.4's downlink procedure. It implements
// latency.FrameSender and load.FrameSender.
func (c *Coordinator) SendFrame(destination uint64, payload []byte) {
	f := protocol.NewFrame(c.networkIDLocked(), destination, c.gateway.Info.Address, payload)
	isTest := protocol.IsTestPacket(payload)

	c.mu.Lock()
	c.gateway.RegisterSentFrame(isTest)
	if destination == protocol.BroadcastAddress {
		for _, n := range c.gateway.LiveNodes(time.Now()) {
			n.RegisterSentFrame(isTest)
		}
	} else if n, ok := c.gateway.GetNode(destination); ok {
		n.RegisterSentFrame(isTest)
	}
	gatewayAddr := c.gateway.Info.Address
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.ObserveFrameSent(gatewayAddr, isTest)
	}

	c.serial.Write(protocol.EncodeDownlinkCommand(f))
}

func (c *Coordinator) networkIDLocked() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway.Info.NetworkID != 0 {
		return c.gateway.Info.NetworkID
	}
	return c.networkID
}

// Update prunes stale nodes and, if a metrics sink is configured, appends
// periodic samples. Intended to be called by the host loop at ≥1 Hz, per
// spec.md §4.4.
func (c *Coordinator) Update() {
	now := time.Now()
	c.mu.Lock()
	c.gateway.Update(now)
	gatewayAddr := c.gateway.Info.Address
	liveCount := len(c.gateway.LiveNodes(now))
	nodes := c.gateway.Nodes()
	c.mu.Unlock()

	if c.sink == nil {
		return
	}
	samples := make([]metrics.NodeSample, len(nodes))
	for i, n := range nodes {
		samples[i] = metrics.NodeSample{NodeAddress: n.Address, PDRDownlink: n.PDRDownlink, PDRUplink: n.PDRUplink}
	}
	c.sink.LogPeriodicSample(gatewayAddr, liveCount, samples)
}

// Gateway returns a snapshot-safe read of the coordinator's gateway
// address and session id, for diagnostics/logging callers.
func (c *Coordinator) Gateway() (address uint64, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateway.Info.Address, c.gateway.SessionID()
}
