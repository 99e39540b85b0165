// Package latency implements the periodic round-trip probe engine (C7):
// a long-lived task that broadcasts magic-prefixed probe frames and, on
// a matching reply, records the round trip into the gateway's and the
// responding node's LatencyStats.
//
// Grounded on original_source/marilib/marilib_edge.py's LatencyTester
// integration points (latency_test_enable/disable, handle_response) --
// the LatencyTester class body itself was not retrieved in the pack, so
// its internals here are built from spec.md §4.6/§9's explicit wire
// format and the "borrowed handle, not ownership" design note rather
// than transliterated from Python source.
package latency

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/marilib/marigo/marierr"
	"github.com/marilib/marigo/model"
	"github.com/marilib/marigo/protocol"
)

// PendingExpiry is how long an unmatched probe is retained before being
// dropped, per spec.md §4.10.
const PendingExpiry = 2 * time.Second

// FrameSender is the borrowed handle a Prober uses to emit probes. An
// *edge.Coordinator satisfies this without either package importing the
// other, avoiding the cyclic reference spec.md §9 calls out.
type FrameSender interface {
	SendFrame(destination uint64, payload []byte)
}

// GatewayView is the borrowed read access a Prober needs into the owning
// coordinator's gateway state.
type GatewayView interface {
	LatencyStats() *model.LatencyStats
	GetNode(address uint64) (*model.Node, bool)
}

// Prober periodically broadcasts a latency probe and matches inbound
// LATENCY_DATA responses against a pending-probe table. The zero value is
// not usable; construct with NewProber.
type Prober struct {
	sender FrameSender
	view   GatewayView

	mu      sync.Mutex
	pending map[uint32]time.Time
	nextID  uint32

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProber returns a Prober that will send probes through sender and
// record RTTs against view.
func NewProber(sender FrameSender, view GatewayView) *Prober {
	return &Prober{
		sender:  sender,
		view:    view,
		pending: make(map[uint32]time.Time),
	}
}

// Start launches the periodic probe loop at the given interval, in its own
// goroutine. Calling Start twice without an intervening Stop is a no-op.
func (p *Prober) Start(interval time.Duration) {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop := p.stopCh
	done := p.doneCh
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.probe()
				p.expirePending()
			}
		}
	}()
}

// Stop signals the probe loop to exit and waits for it to do so.
func (p *Prober) Stop() {
	p.mu.Lock()
	stop := p.stopCh
	done := p.doneCh
	p.stopCh = nil
	p.doneCh = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// probe constructs and broadcasts one probe frame: LATENCY_MAGIC followed
// by a 4-byte monotonically increasing probe id and an 8-byte send-side
// timestamp in wall-clock Unix microseconds (time.Time.UnixMicro), not a
// monotonic clock reading. HandleResponse does not use this field: the RTT
// is measured against the host-side send time kept in the pending table.
func (p *Prober) probe() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	now := time.Now()
	p.pending[id] = now
	p.mu.Unlock()

	payload := encodeProbe(id, now)
	p.sender.SendFrame(protocol.BroadcastAddress, payload)
}

func encodeProbe(id uint32, txTime time.Time) []byte {
	buf := make([]byte, 0, len(protocol.LatencyMagic)+4+8)
	buf = append(buf, protocol.LatencyMagic...)
	idBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBytes, id)
	buf = append(buf, idBytes...)
	microsBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(microsBytes, uint64(txTime.UnixMicro()))
	buf = append(buf, microsBytes...)
	return buf
}

func decodeProbe(payload []byte) (id uint32, txTime time.Time, err error) {
	want := len(protocol.LatencyMagic) + 4 + 8
	if len(payload) < want {
		return 0, time.Time{}, marierr.ProtocolParse("decode latency probe", marierr.ErrPayloadTooShort)
	}
	off := len(protocol.LatencyMagic)
	id = binary.LittleEndian.Uint32(payload[off : off+4])
	micros := binary.LittleEndian.Uint64(payload[off+4 : off+12])
	return id, time.UnixMicro(int64(micros)), nil
}

// HandleResponse matches an inbound LATENCY_DATA frame against the pending
// table and, if found, records the RTT into the gateway's and the
// responding node's LatencyStats, per spec.md §4.6.
func (p *Prober) HandleResponse(f protocol.Frame) {
	id, _, err := decodeProbe(f.Payload)
	if err != nil {
		return
	}
	p.mu.Lock()
	txTime, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	rtt := time.Since(txTime)
	if rtt < 0 {
		rtt = 0
	}
	p.view.LatencyStats().AddLatency(rtt)
	if n, ok := p.view.GetNode(f.Header.Source); ok {
		n.LatencyStats.AddLatency(rtt)
	}
}

// expirePending drops any probe that has been unmatched for longer than
// PendingExpiry.
func (p *Prober) expirePending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, txTime := range p.pending {
		if now.Sub(txTime) > PendingExpiry {
			delete(p.pending, id)
		}
	}
}
