// Package packet implements the binary packet codec (C2): fixed-layout,
// little-endian records described by ordered field metadata, in the spirit
// of the teacher's inetdiag.RawInetDiagMsg/InetDiagReqV2 raw-wrapper pattern,
// generalized to a declarative field list the way the original Python
// Packet/PacketFieldMetadata dataclasses do.
package packet

import (
	"encoding/binary"

	"github.com/marilib/marigo/marierr"
)

// Field describes one fixed-width little-endian field in a record.
type Field struct {
	Name   string
	Length int // bytes
}

// Size returns the total byte length implied by fields.
func Size(fields []Field) int {
	n := 0
	for _, f := range fields {
		n += f.Length
	}
	return n
}

// PutUint writes v into buf using Length bytes of little-endian encoding.
// Length must be 1, 2, 4, or 8.
func PutUint(buf []byte, length int, v uint64) {
	switch length {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	}
}

// Uint reads Length bytes of little-endian data from buf into a uint64.
// Length must be 1, 2, 4, or 8.
func Uint(buf []byte, length int) uint64 {
	switch length {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}

// RequireLength returns an ErrPayloadTooShort-wrapped error if len(b) is
// less than want.
func RequireLength(op string, b []byte, want int) error {
	if len(b) < want {
		return marierr.ProtocolParse(op, marierr.ErrPayloadTooShort)
	}
	return nil
}

// Header is the 20-byte MAC header carried by every Frame (spec.md §3):
// version(1) + type(1) + network_id(2) + destination(8) + source(8).
type Header struct {
	Version     uint8
	Type        uint8
	NetworkID   uint16
	Destination uint64
	Source      uint64
}

// HeaderFields describes Header's wire layout, for introspection and tests
// that want to render or validate field-by-field sizes without duplicating
// the magic numbers baked into Encode/DecodeHeader.
var HeaderFields = []Field{
	{"version", 1},
	{"type", 1},
	{"network_id", 2},
	{"destination", 8},
	{"source", 8},
}

// HeaderSize is the fixed wire length of Header.
var HeaderSize = Size(HeaderFields)

// Encode appends the little-endian wire form of h to buf and returns it.
func (h Header) Encode(buf []byte) []byte {
	out := make([]byte, HeaderSize)
	PutUint(out[0:1], 1, uint64(h.Version))
	PutUint(out[1:2], 1, uint64(h.Type))
	PutUint(out[2:4], 2, uint64(h.NetworkID))
	PutUint(out[4:12], 8, h.Destination)
	PutUint(out[12:20], 8, h.Source)
	return append(buf, out...)
}

// DecodeHeader parses a Header from the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if err := RequireLength("decode header", b, HeaderSize); err != nil {
		return Header{}, err
	}
	return Header{
		Version:     uint8(Uint(b[0:1], 1)),
		Type:        uint8(Uint(b[1:2], 1)),
		NetworkID:   uint16(Uint(b[2:4], 2)),
		Destination: Uint(b[4:12], 8),
		Source:      Uint(b[12:20], 8),
	}, nil
}

// GatewayInfo is address(8) + network_id(2) + schedule_id(1) +
// schedule_stats(32), per spec.md §4.2 and original_source/marilib/model.py's
// GatewayInfo dataclass.
type GatewayInfo struct {
	Address       uint64
	NetworkID     uint16
	ScheduleID    uint8
	ScheduleStats [32]byte
}

// GatewayInfoFields describes GatewayInfo's wire layout.
var GatewayInfoFields = []Field{
	{"address", 8},
	{"network_id", 2},
	{"schedule_id", 1},
	{"schedule_stats", 32},
}

// GatewayInfoSize is the fixed wire length of GatewayInfo.
var GatewayInfoSize = Size(GatewayInfoFields)

// Encode appends the little-endian wire form of g to buf.
func (g GatewayInfo) Encode(buf []byte) []byte {
	out := make([]byte, GatewayInfoSize)
	PutUint(out[0:8], 8, g.Address)
	PutUint(out[8:10], 2, uint64(g.NetworkID))
	PutUint(out[10:11], 1, uint64(g.ScheduleID))
	copy(out[11:43], g.ScheduleStats[:])
	return append(buf, out...)
}

// DecodeGatewayInfo parses a GatewayInfo from the front of b.
func DecodeGatewayInfo(b []byte) (GatewayInfo, error) {
	if err := RequireLength("decode gateway info", b, GatewayInfoSize); err != nil {
		return GatewayInfo{}, err
	}
	var g GatewayInfo
	g.Address = Uint(b[0:8], 8)
	g.NetworkID = uint16(Uint(b[8:10], 2))
	g.ScheduleID = uint8(Uint(b[10:11], 1))
	copy(g.ScheduleStats[:], b[11:43])
	return g, nil
}

// Bits unpacks the schedule-cell occupancy bitmap into a bool slice,
// matching original_source/marilib/model.py's repr_schedule_stats: the raw
// 32 bytes are bit-reversed per byte, concatenated, and the first 8 bits
// (the schedule's own header cell) are dropped, leaving 137 slot bits.
func (g GatewayInfo) Bits() []bool {
	all := make([]bool, 0, 32*8)
	for _, b := range g.ScheduleStats {
		for i := 0; i < 8; i++ {
			all = append(all, (b>>uint(i))&1 == 1)
		}
	}
	if len(all) < 145 {
		return nil
	}
	return all[8:145]
}

// NodeInfoCloud is the cloud-channel envelope gateway_address(8) +
// node_address(8), used only on the edge-to-cloud/cloud-to-edge broker
// channel, per spec.md §4.2 and marilib_cloud.py's NodeInfoCloud.
type NodeInfoCloud struct {
	GatewayAddress uint64
	NodeAddress    uint64
}

// NodeInfoCloudFields describes NodeInfoCloud's wire layout.
var NodeInfoCloudFields = []Field{
	{"gateway_address", 8},
	{"node_address", 8},
}

// NodeInfoCloudSize is the fixed wire length of NodeInfoCloud.
var NodeInfoCloudSize = Size(NodeInfoCloudFields)

// Encode appends the little-endian wire form of n to buf.
func (n NodeInfoCloud) Encode(buf []byte) []byte {
	out := make([]byte, NodeInfoCloudSize)
	PutUint(out[0:8], 8, n.GatewayAddress)
	PutUint(out[8:16], 8, n.NodeAddress)
	return append(buf, out...)
}

// DecodeNodeInfoCloud parses a NodeInfoCloud from the front of b.
func DecodeNodeInfoCloud(b []byte) (NodeInfoCloud, error) {
	if err := RequireLength("decode node info cloud", b, NodeInfoCloudSize); err != nil {
		return NodeInfoCloud{}, err
	}
	return NodeInfoCloud{
		GatewayAddress: Uint(b[0:8], 8),
		NodeAddress:    Uint(b[8:16], 8),
	}, nil
}

// NodeStatsReply is rx_app_packets(4) + tx_app_packets(4), the statistics
// packet a node sends back, per spec.md §4.2 and marilib/model.py's
// NodeStatsReply dataclass.
type NodeStatsReply struct {
	RxAppPackets uint32
	TxAppPackets uint32
}

// NodeStatsReplySize is the fixed wire length of NodeStatsReply. This is
// also the length the edge coordinator's 8-byte heuristic keys off of
// (spec.md §9 open item 1): any 8-byte application payload is ambiguous
// with a NodeStatsReply by construction.
var NodeStatsReplyFields = []Field{
	{"rx_app_packets", 4},
	{"tx_app_packets", 4},
}

var NodeStatsReplySize = Size(NodeStatsReplyFields)

// Encode appends the little-endian wire form of s to buf.
func (s NodeStatsReply) Encode(buf []byte) []byte {
	out := make([]byte, NodeStatsReplySize)
	PutUint(out[0:4], 4, uint64(s.RxAppPackets))
	PutUint(out[4:8], 4, uint64(s.TxAppPackets))
	return append(buf, out...)
}

// DecodeNodeStatsReply parses a NodeStatsReply from the front of b.
func DecodeNodeStatsReply(b []byte) (NodeStatsReply, error) {
	if err := RequireLength("decode node stats reply", b, NodeStatsReplySize); err != nil {
		return NodeStatsReply{}, err
	}
	return NodeStatsReply{
		RxAppPackets: uint32(Uint(b[0:4], 4)),
		TxAppPackets: uint32(Uint(b[4:8], 4)),
	}, nil
}
