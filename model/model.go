// Package model implements the network-state model (C4): the Gateway and
// Node registries, liveness timers, sliding-window and cumulative frame
// statistics, the latency histogram, and packet-delivery-ratio computation.
//
// Semantics are grounded line-for-line on
// _examples/original_source/marilib/model.py (MariGateway, MariNode,
// FrameStats, LatencyStats) and the PDR calculation in
// _examples/original_source/marilib/marilib_edge.py.
package model

import (
	"math"
	"time"

	muuid "github.com/m-lab/uuid"

	"github.com/marilib/marigo/packet"
	"github.com/marilib/marigo/protocol"
)

// DefaultWindowSeconds is FrameStats's sliding-window retention, per
// spec.md §3.
const DefaultWindowSeconds = 240

// LivenessTTL is how long a Node (or, on the cloud side, a Gateway) is
// considered live after its last-seen timestamp, per spec.md §3/§4.5/§4.8.
const LivenessTTL = 10 * time.Second

// LatencyRingSize is the number of most recent RTT samples LatencyStats
// retains, per spec.md §3.
const LatencyRingSize = 50

// FrameLogEntry is one sliding-window sample: a timestamp, an optional RSSI
// (only meaningful for received frames, and only when the gateway reports
// it), per spec.md §3.
type FrameLogEntry struct {
	Timestamp time.Time
	RSSIDBm   *int
}

// FrameStats is a sliding-window sample of sent/received frame-log entries
// plus four cumulative counters, per spec.md §3. The sliding windows
// (Sent/Received) only ever hold non-test entries: this mirrors
// marilib/model.py's FrameStats.add_sent/add_received, which skip the
// deque append entirely for test packets, so a windowed read is always a
// non-test-packet read regardless of the includeTestPackets argument -- a
// quirk the original preserves and this repo preserves with it.
type FrameStats struct {
	WindowSeconds int

	sent     []FrameLogEntry
	received []FrameLogEntry

	CumulativeSent            int
	CumulativeReceived        int
	CumulativeSentNonTest     int
	CumulativeReceivedNonTest int
}

// NewFrameStats returns a FrameStats with the default window.
func NewFrameStats() *FrameStats {
	return &FrameStats{WindowSeconds: DefaultWindowSeconds}
}

// AddSent records a sent frame, pruning the sliding window and updating
// cumulative counters.
func (s *FrameStats) AddSent(now time.Time, isTestPacket bool) {
	s.CumulativeSent++
	if isTestPacket {
		return
	}
	s.CumulativeSentNonTest++
	s.sent = append(s.sent, FrameLogEntry{Timestamp: now})
	s.pruneWindow(&s.sent, now)
}

// AddReceived records a received frame, pruning the sliding window and
// updating cumulative counters. rssiDBm is nil when the gateway did not
// report signal strength for this frame.
func (s *FrameStats) AddReceived(now time.Time, isTestPacket bool, rssiDBm *int) {
	s.CumulativeReceived++
	if isTestPacket {
		return
	}
	s.CumulativeReceivedNonTest++
	s.received = append(s.received, FrameLogEntry{Timestamp: now, RSSIDBm: rssiDBm})
	s.pruneWindow(&s.received, now)
}

func (s *FrameStats) pruneWindow(entries *[]FrameLogEntry, now time.Time) {
	window := time.Duration(s.WindowSeconds) * time.Second
	e := *entries
	i := 0
	for i < len(e) && now.Sub(e[i].Timestamp) > window {
		i++
	}
	*entries = e[i:]
}

// SentCount returns the number of sent frames. windowSecs == 0 returns the
// cumulative count (including test packets iff includeTestPackets);
// windowSecs != 0 returns the sliding-window count, which is always
// non-test (see the FrameStats doc comment).
func (s *FrameStats) SentCount(windowSecs int, includeTestPackets bool) int {
	if windowSecs == 0 {
		if includeTestPackets {
			return s.CumulativeSent
		}
		return s.CumulativeSentNonTest
	}
	now := time.Now()
	s.pruneWindow(&s.sent, now)
	return countWithin(s.sent, now, windowSecs)
}

// ReceivedCount mirrors SentCount for received frames.
func (s *FrameStats) ReceivedCount(windowSecs int, includeTestPackets bool) int {
	if windowSecs == 0 {
		if includeTestPackets {
			return s.CumulativeReceived
		}
		return s.CumulativeReceivedNonTest
	}
	now := time.Now()
	s.pruneWindow(&s.received, now)
	return countWithin(s.received, now, windowSecs)
}

func countWithin(entries []FrameLogEntry, now time.Time, windowSecs int) int {
	window := time.Duration(windowSecs) * time.Second
	n := 0
	for _, e := range entries {
		if now.Sub(e.Timestamp) < window {
			n++
		}
	}
	return n
}

// SuccessRate is received/sent over non-test frames, capped to 1.0. A zero
// denominator is a vacuous success (1.0), per spec.md §3.
func (s *FrameStats) SuccessRate(windowSecs int) float64 {
	sent := s.SentCount(windowSecs, false)
	if sent == 0 {
		return 1.0
	}
	received := s.ReceivedCount(windowSecs, false)
	return math.Min(float64(received)/float64(sent), 1.0)
}

// ReceivedRSSI returns the last reported RSSI (windowSecs == 0) or the
// average RSSI over the window, in dBm. Entries with no reported RSSI are
// excluded; 0 is returned if no RSSI data is available.
func (s *FrameStats) ReceivedRSSI(windowSecs int) float64 {
	if len(s.received) == 0 {
		return 0
	}
	if windowSecs == 0 {
		for i := len(s.received) - 1; i >= 0; i-- {
			if s.received[i].RSSIDBm != nil {
				return float64(*s.received[i].RSSIDBm)
			}
		}
		return 0
	}
	now := time.Now()
	window := time.Duration(windowSecs) * time.Second
	sum, n := 0, 0
	for _, e := range s.received {
		if now.Sub(e.Timestamp) < window && e.RSSIDBm != nil {
			sum += *e.RSSIDBm
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// LatencyStats is a bounded ring of the most recent RTT samples (ms), per
// spec.md §3.
type LatencyStats struct {
	samplesMS []float64
}

// NewLatencyStats returns an empty LatencyStats.
func NewLatencyStats() *LatencyStats { return &LatencyStats{} }

// AddLatency pushes rtt into the ring, evicting the oldest sample once the
// ring exceeds LatencyRingSize.
func (l *LatencyStats) AddLatency(rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)
	l.samplesMS = append(l.samplesMS, ms)
	if len(l.samplesMS) > LatencyRingSize {
		l.samplesMS = l.samplesMS[len(l.samplesMS)-LatencyRingSize:]
	}
}

// LastMS returns the most recent RTT sample, or 0 if empty.
func (l *LatencyStats) LastMS() float64 {
	if len(l.samplesMS) == 0 {
		return 0
	}
	return l.samplesMS[len(l.samplesMS)-1]
}

// MeanMS returns the mean RTT, or 0 if empty.
func (l *LatencyStats) MeanMS() float64 {
	if len(l.samplesMS) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range l.samplesMS {
		sum += v
	}
	return sum / float64(len(l.samplesMS))
}

// MinMS returns the minimum RTT, or 0 if empty.
func (l *LatencyStats) MinMS() float64 {
	if len(l.samplesMS) == 0 {
		return 0
	}
	min := l.samplesMS[0]
	for _, v := range l.samplesMS[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// MaxMS returns the maximum RTT, or 0 if empty.
func (l *LatencyStats) MaxMS() float64 {
	if len(l.samplesMS) == 0 {
		return 0
	}
	max := l.samplesMS[0]
	for _, v := range l.samplesMS[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Count returns the number of samples currently retained.
func (l *LatencyStats) Count() int { return len(l.samplesMS) }

// Node is a wireless endpoint managed by a gateway, per spec.md §3.
type Node struct {
	Address  uint64
	LastSeen time.Time

	Stats        *FrameStats
	LatencyStats *LatencyStats

	LastReportedRxCount uint32
	LastReportedTxCount uint32
	StatsReplyCount     int

	PDRDownlink float64
	PDRUplink   float64
}

// NewNode returns a freshly-joined Node with its stats zeroed and PDR at
// the safe default of 1.0 (spec.md §3: "Both default to a safe 1.0 when
// denominators are 0").
func NewNode(address uint64) *Node {
	return &Node{
		Address:      address,
		LastSeen:     time.Now(),
		Stats:        NewFrameStats(),
		LatencyStats: NewLatencyStats(),
		PDRDownlink:  1.0,
		PDRUplink:    1.0,
	}
}

// IsLive reports whether the node has been seen within LivenessTTL of now.
func (n *Node) IsLive(now time.Time) bool {
	return now.Sub(n.LastSeen) < LivenessTTL
}

// RegisterReceivedFrame records a received frame against the node's stats.
func (n *Node) RegisterReceivedFrame(isTestPacket bool, rssiDBm *int) {
	n.Stats.AddReceived(time.Now(), isTestPacket, rssiDBm)
}

// RegisterSentFrame records a sent frame against the node's stats.
func (n *Node) RegisterSentFrame(isTestPacket bool) {
	n.Stats.AddSent(time.Now(), isTestPacket)
}

// RecordStatsReply applies a NodeStatsReply's remote counters and
// recomputes downlink/uplink PDR, per spec.md §3 and
// marilib_edge.py's NODE_DATA 8-byte-payload branch.
func (n *Node) RecordStatsReply(reply packet.NodeStatsReply) {
	n.StatsReplyCount++
	n.LastReportedRxCount = reply.RxAppPackets
	n.LastReportedTxCount = reply.TxAppPackets

	if sent := n.Stats.CumulativeSentNonTest; sent > 0 {
		n.PDRDownlink = math.Min(float64(n.LastReportedRxCount)/float64(sent), 1.0)
	} else {
		n.PDRDownlink = 1.0
	}

	if n.LastReportedTxCount > 0 {
		n.PDRUplink = math.Min(float64(n.StatsReplyCount)/float64(n.LastReportedTxCount), 1.0)
	} else {
		n.PDRUplink = 1.0
	}
}

// Gateway is the radio device attached over UART, identified by a 64-bit
// address, per spec.md §3.
type Gateway struct {
	Info       packet.GatewayInfo
	Registry   map[uint64]*Node
	Stats      *FrameStats
	LatencyStats *LatencyStats

	StartedAt         time.Time
	lastGatewayInfoAt time.Time
}

// NewGateway returns an empty Gateway with a fresh session start time.
func NewGateway() *Gateway {
	now := time.Now()
	return &Gateway{
		Registry:          make(map[uint64]*Node),
		Stats:             NewFrameStats(),
		LatencyStats:      NewLatencyStats(),
		StartedAt:         now,
		lastGatewayInfoAt: now,
	}
}

// SessionID derives a stable session identifier from the gateway's address
// and session start time, the way the teacher derives a connection UUID
// from a netlink cookie (inetdiag.InetDiagSockID.Cookie() ->
// uuid.FromCookie).
func (g *Gateway) SessionID() string {
	cookie := g.Info.Address ^ uint64(g.StartedAt.UnixNano())
	return muuid.FromCookie(cookie)
}

// SetInfo assigns gateway info and refreshes the cloud-side liveness clock.
func (g *Gateway) SetInfo(info packet.GatewayInfo) {
	g.Info = info
	g.lastGatewayInfoAt = time.Now()
}

// IsLive reports whether a GATEWAY_INFO has been seen within LivenessTTL of
// now -- the cloud-side gateway eviction policy resolved in SPEC_FULL.md §4.5
// (spec.md §9 open item 3).
func (g *Gateway) IsLive(now time.Time) bool {
	return now.Sub(g.lastGatewayInfoAt) < LivenessTTL
}

// GetNode returns the node at address, if present.
func (g *Gateway) GetNode(address uint64) (*Node, bool) {
	n, ok := g.Registry[address]
	return n, ok
}

// Nodes returns every currently-registered node, live or not.
func (g *Gateway) Nodes() []*Node {
	out := make([]*Node, 0, len(g.Registry))
	for _, n := range g.Registry {
		out = append(out, n)
	}
	return out
}

// LiveNodes returns every node currently live, computed at call time.
func (g *Gateway) LiveNodes(now time.Time) []*Node {
	out := make([]*Node, 0, len(g.Registry))
	for _, n := range g.Registry {
		if n.IsLive(now) {
			out = append(out, n)
		}
	}
	return out
}

// AddNode upserts the node at address: if already registered, only its
// LastSeen is refreshed (stats survive); otherwise a fresh Node is
// allocated, per spec.md §4.9 ("stats are reset on rejoin", which follows
// from RemoveNode deleting the map entry entirely).
func (g *Gateway) AddNode(address uint64) *Node {
	if n, ok := g.Registry[address]; ok {
		n.LastSeen = time.Now()
		return n
	}
	n := NewNode(address)
	g.Registry[address] = n
	return n
}

// RemoveNode deletes the node at address, if present, and returns it.
func (g *Gateway) RemoveNode(address uint64) (*Node, bool) {
	n, ok := g.Registry[address]
	if ok {
		delete(g.Registry, address)
	}
	return n, ok
}

// UpdateNodeLiveness refreshes LastSeen for address, auto-inserting the
// node if it is not already known -- this is the keep-alive auto-insertion
// behavior spec.md §9 explicitly calls out to preserve.
func (g *Gateway) UpdateNodeLiveness(address uint64) *Node {
	if n, ok := g.Registry[address]; ok {
		n.LastSeen = time.Now()
		return n
	}
	return g.AddNode(address)
}

// Update prunes every node that is no longer live, per spec.md §4.8/§4.9.
func (g *Gateway) Update(now time.Time) {
	for addr, n := range g.Registry {
		if !n.IsLive(now) {
			delete(g.Registry, addr)
		}
	}
}

// RegisterSentFrame records a sent frame at the gateway level only. Per-node
// accounting is the caller's responsibility (broadcast vs. unicast
// fan-out), per spec.md §4.8's edge-case policy.
func (g *Gateway) RegisterSentFrame(isTestPacket bool) {
	g.Stats.AddSent(time.Now(), isTestPacket)
}

// RegisterReceivedFrame records a received frame at both the gateway level
// and, if the source node is registered, the node level, per spec.md §4.8.
func (g *Gateway) RegisterReceivedFrame(f protocol.Frame, isTestPacket bool, rssiDBm *int) {
	if n, ok := g.Registry[f.Header.Source]; ok {
		n.RegisterReceivedFrame(isTestPacket, rssiDBm)
	}
	g.Stats.AddReceived(time.Now(), isTestPacket, rssiDBm)
}
