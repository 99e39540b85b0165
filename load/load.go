// Package load implements the fixed-rate downlink load generator (C8): a
// long-lived task that broadcasts the single-byte load-probe payload at a
// rate computed from the gateway's active TDMA schedule and a configured
// percentage of its capacity.
//
// Grounded on original_source/marilib/marilib_edge.py's
// get_max_downlink_rate and spec.md §4.7's exact rate formula.
package load

import (
	"sync"
	"time"

	"github.com/marilib/marigo/protocol"
)

// ParkInterval is how long the generator waits between checks when the
// gateway's schedule is not yet known, per spec.md §4.7.
const ParkInterval = 100 * time.Millisecond

// FrameSender is the borrowed handle the generator uses to emit load
// frames, mirroring latency.FrameSender to avoid a cyclic import with edge.
type FrameSender interface {
	SendFrame(destination uint64, payload []byte)
}

// ScheduleSource reports the gateway's currently-known schedule id, or
// false if a GATEWAY_INFO has not yet been received.
type ScheduleSource interface {
	ScheduleID() (id uint8, known bool)
}

// Generator runs the C8 load task. The zero value is not usable; construct
// with NewGenerator.
type Generator struct {
	sender      FrameSender
	schedule    ScheduleSource
	loadPercent int

	stopCh chan struct{}
	doneCh chan struct{}
	mu     sync.Mutex
}

// NewGenerator returns a Generator that broadcasts through sender at
// loadPercent (0-100) of the schedule reported by schedule.
func NewGenerator(sender FrameSender, schedule ScheduleSource, loadPercent int) *Generator {
	return &Generator{sender: sender, schedule: schedule, loadPercent: loadPercent}
}

// TargetRate returns the generator's target packets/sec for the given
// schedule id, per spec.md §4.7: max_downlink_rate * load_percent / 100.
func (g *Generator) TargetRate(scheduleID uint8) float64 {
	return protocol.MaxDownlinkRate(scheduleID) * float64(g.loadPercent) / 100.0
}

// Start launches the generator loop in its own goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (g *Generator) Start() {
	g.mu.Lock()
	if g.stopCh != nil || g.loadPercent == 0 {
		g.mu.Unlock()
		return
	}
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	stop := g.stopCh
	done := g.doneCh
	g.mu.Unlock()

	go g.run(stop, done)
}

func (g *Generator) run(stop, done chan struct{}) {
	defer close(done)
	for {
		id, known := g.schedule.ScheduleID()
		if !known {
			if !sleepOrStop(ParkInterval, stop) {
				return
			}
			continue
		}
		rate := g.TargetRate(id)
		if rate <= 0 {
			if !sleepOrStop(ParkInterval, stop) {
				return
			}
			continue
		}
		period := time.Duration(float64(time.Second) / rate)
		g.sender.SendFrame(protocol.BroadcastAddress, []byte(protocol.LoadPacketPayload))
		if !sleepOrStop(period, stop) {
			return
		}
	}
}

func sleepOrStop(d time.Duration, stop chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// Stop signals the generator loop to exit and waits for it to do so.
func (g *Generator) Stop() {
	g.mu.Lock()
	stop := g.stopCh
	done := g.doneCh
	g.stopCh = nil
	g.doneCh = nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
