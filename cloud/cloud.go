// Package cloud implements the cloud coordinator (C6): the component that
// runs alongside the broker, maintaining a gateway-address-keyed registry
// of Gateways fed by events forwarded from one or more edges, and routing
// downlink commands back to the right edge.
//
// Grounded on original_source/marilib/marilib_cloud.py's MarilibCloud
// dataclass (on_mqtt_data_received's gateway-registry-by-address dispatch)
// and, for the mutex-guarded-registry shape, the teacher's saver.go Saver
// (now absorbed into model.Gateway/this registry).
package cloud

import (
	"sync"
	"time"

	"github.com/marilib/marigo/model"
	"github.com/marilib/marigo/packet"
	"github.com/marilib/marigo/protocol"
	"github.com/marilib/marigo/transport"
)

// Event is delivered to the application callback for a cloud-side
// occurrence, scoped to the gateway it concerns.
type Event struct {
	GatewayAddress uint64
	Tag            protocol.Tag
	Node           *model.Node
	Frame          protocol.Frame
	GatewayInfo    packet.GatewayInfo
}

// ApplicationCallback receives cloud events.
type ApplicationCallback func(Event)

// Coordinator is the C6 cloud coordinator: a gateway_address -> Gateway
// registry, a broker transport, and a mutex, per spec.md §4.5.
type Coordinator struct {
	mu       sync.Mutex
	gateways map[uint64]*model.Gateway

	broker    transport.Broker
	networkID uint16

	onApplication ApplicationCallback
}

// NewCoordinator constructs a Coordinator subscribed to the edge-to-cloud
// topic for networkID.
func NewCoordinator(networkID uint16, broker transport.Broker, onApplication ApplicationCallback) (*Coordinator, error) {
	c := &Coordinator{
		gateways:      make(map[uint64]*model.Gateway),
		broker:        broker,
		networkID:     networkID,
		onApplication: onApplication,
	}
	topic := transport.EdgeToCloudTopic(networkID)
	if err := broker.Subscribe(topic, c.onBrokerData); err != nil {
		return nil, err
	}
	return c, nil
}

// onBrokerData dispatches one edge-to-cloud broker message, per spec.md
// §4.5: upsert by address on GATEWAY_INFO, otherwise look the gateway up
// by the embedded gateway address (NodeInfoCloud.GatewayAddress, or for
// NODE_DATA/LATENCY_DATA, Frame.Header.Destination -- the edge populates
// that with its own gateway address before forwarding).
func (c *Coordinator) onBrokerData(data []byte) {
	event, err := protocol.DecodeCloudEvent(data)
	if err != nil {
		return
	}

	switch event.Tag {
	case protocol.TagGatewayInfo:
		c.handleGatewayInfo(event.GatewayInfo)

	case protocol.TagNodeJoined, protocol.TagNodeLeft, protocol.TagNodeKeepAlive:
		c.handleNodeLifecycle(event.Tag, event.NodeInfo)

	case protocol.TagNodeData, protocol.TagLatencyData:
		c.handleFrame(event.Tag, event.Frame)
	}
}

func (c *Coordinator) handleGatewayInfo(info packet.GatewayInfo) {
	c.mu.Lock()
	gw, ok := c.gateways[info.Address]
	if !ok {
		gw = model.NewGateway()
		c.gateways[info.Address] = gw
	}
	gw.SetInfo(info)
	c.mu.Unlock()

	c.emit(Event{GatewayAddress: info.Address, Tag: protocol.TagGatewayInfo, GatewayInfo: info})
}

func (c *Coordinator) handleNodeLifecycle(tag protocol.Tag, info packet.NodeInfoCloud) {
	c.mu.Lock()
	gw, ok := c.gateways[info.GatewayAddress]
	if !ok {
		c.mu.Unlock()
		return
	}
	var node *model.Node
	switch tag {
	case protocol.TagNodeJoined:
		node = gw.AddNode(info.NodeAddress)
	case protocol.TagNodeLeft:
		node, _ = gw.RemoveNode(info.NodeAddress)
	case protocol.TagNodeKeepAlive:
		node = gw.UpdateNodeLiveness(info.NodeAddress)
	}
	c.mu.Unlock()

	if node != nil {
		c.emit(Event{GatewayAddress: info.GatewayAddress, Tag: tag, Node: node})
	}
}

func (c *Coordinator) handleFrame(tag protocol.Tag, f protocol.Frame) {
	gatewayAddress := f.Header.Destination

	c.mu.Lock()
	gw, ok := c.gateways[gatewayAddress]
	if ok {
		gw.UpdateNodeLiveness(f.Header.Source)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.emit(Event{GatewayAddress: gatewayAddress, Tag: tag, Frame: f})
}

func (c *Coordinator) emit(e Event) {
	if c.onApplication != nil {
		c.onApplication(e)
	}
}

// SendFrame publishes a downlink command for destination to the
// cloud-to-edge topic of the coordinator's network id, per spec.md §4.5:
// byte(tag=NODE_DATA) followed by the frame's wire form, wrapped in the
// edge<->cloud NodeData event.
func (c *Coordinator) SendFrame(destination uint64, payload []byte) error {
	f := protocol.NewFrame(c.networkID, destination, 0, payload)
	event := protocol.CloudEvent{Tag: protocol.TagNodeData, Frame: f}
	topic := transport.CloudToEdgeTopic(c.networkID)
	return c.broker.Publish(topic, event.Encode())
}

// Gateways returns every currently-known gateway address.
func (c *Coordinator) Gateways() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.gateways))
	for addr := range c.gateways {
		out = append(out, addr)
	}
	return out
}

// GetGateway returns the gateway registered at address, if any.
func (c *Coordinator) GetGateway(address uint64) (*model.Gateway, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gw, ok := c.gateways[address]
	return gw, ok
}

// Update prunes gateways that have not sent a GATEWAY_INFO within
// model.LivenessTTL, the cloud-side eviction policy resolved in
// SPEC_FULL.md §4.5 (spec.md §9 open item 3).
func (c *Coordinator) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for addr, gw := range c.gateways {
		if !gw.IsLive(now) {
			delete(c.gateways, addr)
		}
	}
}
