// Package protocol implements the wire event codec (C3): the tagged-union
// discriminator byte shared by the host-gateway and edge-cloud channels,
// the Frame/Header wire type, the reserved downlink command convention, and
// the schedule table (spec.md §4.3, §6).
package protocol

import (
	"bytes"

	"github.com/marilib/marigo/marierr"
	"github.com/marilib/marigo/packet"
)

// ProtocolVersion is the MAC header version carried by every Frame.
const ProtocolVersion uint8 = 2

// BroadcastAddress is the reserved node address meaning "every live node".
const BroadcastAddress uint64 = 0xFFFFFFFFFFFFFFFF

// DefaultNetworkID is used when no gateway has reported its own.
const DefaultNetworkID uint16 = 0x0001

// LatencyMagic is the 4-byte prefix that marks a payload as a latency probe
// or probe reply. Its exact bytes are a gateway-firmware deployment
// constant the host-side spec leaves unspecified (spec.md §9 open item 4);
// this repo fixes it to "LTNC".
var LatencyMagic = []byte("LTNC")

// LoadPacketPayload is the single-byte payload used by the load generator
// (C8) to exercise downlink capacity without contributing to delivery
// statistics.
const LoadPacketPayload = "L"

// IsTestPacket implements the test-packet classification invariant from
// spec.md §3: a payload is a test packet iff it starts with LatencyMagic or
// equals the single-byte load-probe payload.
func IsTestPacket(payload []byte) bool {
	return bytes.HasPrefix(payload, LatencyMagic) || string(payload) == LoadPacketPayload
}

// DownlinkCommandTag is the reserved prefix byte on the host->gateway
// command channel. This is a separate wire convention from the Tag table
// below: it is the gateway's command channel, not an event (spec.md §4.3).
const DownlinkCommandTag byte = 0x01

// Tag discriminates the typed payload following it on the host<->gateway
// and edge<->cloud event channels (spec.md §4.3).
type Tag byte

const (
	TagNodeJoined    Tag = 1
	TagNodeLeft      Tag = 2
	TagNodeData      Tag = 3
	TagNodeKeepAlive Tag = 4
	TagGatewayInfo   Tag = 5
	TagLatencyData   Tag = 6
)

func (t Tag) String() string {
	switch t {
	case TagNodeJoined:
		return "NODE_JOINED"
	case TagNodeLeft:
		return "NODE_LEFT"
	case TagNodeData:
		return "NODE_DATA"
	case TagNodeKeepAlive:
		return "NODE_KEEP_ALIVE"
	case TagGatewayInfo:
		return "GATEWAY_INFO"
	case TagLatencyData:
		return "LATENCY_DATA"
	default:
		return "UNKNOWN"
	}
}

// Frame is a Header followed by an opaque payload (spec.md §3).
type Frame struct {
	Header  packet.Header
	Payload []byte
}

// NewFrame builds a Frame with the conventional version/type/network id and
// the given destination, source and payload.
func NewFrame(networkID uint16, destination, source uint64, payload []byte) Frame {
	return Frame{
		Header: packet.Header{
			Version:     ProtocolVersion,
			NetworkID:   networkID,
			Destination: destination,
			Source:      source,
		},
		Payload: payload,
	}
}

// Encode appends the wire form of f (header, then raw payload) to buf.
func (f Frame) Encode(buf []byte) []byte {
	buf = f.Header.Encode(buf)
	return append(buf, f.Payload...)
}

// DecodeFrame parses a Frame from b: a Header followed by the remaining
// bytes as payload.
func DecodeFrame(b []byte) (Frame, error) {
	h, err := packet.DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	payload := append([]byte(nil), b[packet.HeaderSize:]...)
	return Frame{Header: h, Payload: payload}, nil
}

// IsTestPacket reports whether f's payload is a test packet.
func (f Frame) IsTestPacket() bool { return IsTestPacket(f.Payload) }

// EdgeEvent is the tagged union delivered on the host<->gateway channel.
// Only the field matching Tag is populated, per the "single sum type per
// channel" design note (spec.md §9).
type EdgeEvent struct {
	Tag         Tag
	NodeAddress uint64 // TagNodeJoined, TagNodeLeft, TagNodeKeepAlive
	Frame       Frame  // TagNodeData, TagLatencyData

	GatewayInfo packet.GatewayInfo // TagGatewayInfo
}

// DecodeEdgeEvent parses a discriminator byte plus typed payload from the
// host<->gateway channel.
func DecodeEdgeEvent(data []byte) (EdgeEvent, error) {
	if len(data) < 1 {
		return EdgeEvent{}, marierr.ProtocolParse("decode edge event", marierr.ErrPayloadTooShort)
	}
	tag := Tag(data[0])
	body := data[1:]
	switch tag {
	case TagNodeJoined, TagNodeLeft, TagNodeKeepAlive:
		if err := packet.RequireLength("decode edge event node address", body, 8); err != nil {
			return EdgeEvent{}, err
		}
		return EdgeEvent{Tag: tag, NodeAddress: packet.Uint(body[:8], 8)}, nil
	case TagNodeData, TagLatencyData:
		f, err := DecodeFrame(body)
		if err != nil {
			return EdgeEvent{}, err
		}
		return EdgeEvent{Tag: tag, Frame: f}, nil
	case TagGatewayInfo:
		g, err := packet.DecodeGatewayInfo(body)
		if err != nil {
			return EdgeEvent{}, err
		}
		return EdgeEvent{Tag: tag, GatewayInfo: g}, nil
	default:
		return EdgeEvent{}, marierr.UnknownEvent(data[0])
	}
}

// Encode produces the wire bytes for e, the inverse of DecodeEdgeEvent.
func (e EdgeEvent) Encode() []byte {
	buf := []byte{byte(e.Tag)}
	switch e.Tag {
	case TagNodeJoined, TagNodeLeft, TagNodeKeepAlive:
		packed := make([]byte, 8)
		packet.PutUint(packed, 8, e.NodeAddress)
		return append(buf, packed...)
	case TagNodeData, TagLatencyData:
		return e.Frame.Encode(buf)
	case TagGatewayInfo:
		return e.GatewayInfo.Encode(buf)
	}
	return buf
}

// CloudEvent is the tagged union delivered on the edge<->cloud broker
// channel. It differs from EdgeEvent only in that join/leave/keep-alive
// carry a NodeInfoCloud envelope (gateway address + node address) instead
// of a bare node address, per spec.md §4.3.
type CloudEvent struct {
	Tag         Tag
	NodeInfo    packet.NodeInfoCloud // TagNodeJoined, TagNodeLeft, TagNodeKeepAlive
	Frame       Frame                // TagNodeData, TagLatencyData
	GatewayInfo packet.GatewayInfo   // TagGatewayInfo
}

// DecodeCloudEvent parses a discriminator byte plus typed payload from the
// edge<->cloud broker channel.
func DecodeCloudEvent(data []byte) (CloudEvent, error) {
	if len(data) < 1 {
		return CloudEvent{}, marierr.ProtocolParse("decode cloud event", marierr.ErrPayloadTooShort)
	}
	tag := Tag(data[0])
	body := data[1:]
	switch tag {
	case TagNodeJoined, TagNodeLeft, TagNodeKeepAlive:
		n, err := packet.DecodeNodeInfoCloud(body)
		if err != nil {
			return CloudEvent{}, err
		}
		return CloudEvent{Tag: tag, NodeInfo: n}, nil
	case TagNodeData, TagLatencyData:
		f, err := DecodeFrame(body)
		if err != nil {
			return CloudEvent{}, err
		}
		return CloudEvent{Tag: tag, Frame: f}, nil
	case TagGatewayInfo:
		g, err := packet.DecodeGatewayInfo(body)
		if err != nil {
			return CloudEvent{}, err
		}
		return CloudEvent{Tag: tag, GatewayInfo: g}, nil
	default:
		return CloudEvent{}, marierr.UnknownEvent(data[0])
	}
}

// Encode produces the wire bytes for e, the inverse of DecodeCloudEvent.
func (e CloudEvent) Encode() []byte {
	buf := []byte{byte(e.Tag)}
	switch e.Tag {
	case TagNodeJoined, TagNodeLeft, TagNodeKeepAlive:
		return e.NodeInfo.Encode(buf)
	case TagNodeData, TagLatencyData:
		return e.Frame.Encode(buf)
	case TagGatewayInfo:
		return e.GatewayInfo.Encode(buf)
	}
	return buf
}

// EncodeDownlinkCommand produces the bytes sent from host to gateway to
// transmit f: the reserved 0x01 prefix followed by f's wire form.
func EncodeDownlinkCommand(f Frame) []byte {
	return f.Encode([]byte{DownlinkCommandTag})
}

// Schedule describes one TDMA-style slot plan, keyed by schedule id
// (spec.md §6, bit-exact against original_source/marilib/model.py's
// SCHEDULES table).
type Schedule struct {
	Name         string
	MaxNodes     int
	DDown        int
	SFDurationMS float64
}

// Schedules is the fixed schedule table.
var Schedules = map[uint8]Schedule{
	0: {Name: "huge", MaxNodes: 101, DDown: 22, SFDurationMS: 223.31},
	1: {Name: "big", MaxNodes: 74, DDown: 16, SFDurationMS: 164.63},
	2: {Name: "medium", MaxNodes: 49, DDown: 10, SFDurationMS: 109.21},
	3: {Name: "small", MaxNodes: 29, DDown: 6, SFDurationMS: 66.83},
	4: {Name: "tiny", MaxNodes: 11, DDown: 2, SFDurationMS: 27.71},
}

// ScheduleName returns the schedule's name, or "unknown" if scheduleID is
// not in the table.
func ScheduleName(scheduleID uint8) string {
	if s, ok := Schedules[scheduleID]; ok {
		return s.Name
	}
	return "unknown"
}

// MaxDownlinkRate returns the maximum downlink packets/sec for scheduleID,
// or 0 if the schedule is unknown, matching
// original_source/marilib/marilib_edge.py's get_max_downlink_rate.
func MaxDownlinkRate(scheduleID uint8) float64 {
	s, ok := Schedules[scheduleID]
	if !ok || s.SFDurationMS == 0 {
		return 0
	}
	return float64(s.DDown) / (s.SFDurationMS / 1000.0)
}
