package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recordingSink struct {
	frameSent     int
	frameReceived int
	latencies     []time.Duration
	periodic      int
	events        []string
	setups        []SetupParameters
	errors        []string
	closed        bool
}

func (r *recordingSink) ObserveFrameSent(uint64, bool)           { r.frameSent++ }
func (r *recordingSink) ObserveFrameReceived(uint64, bool, *int) { r.frameReceived++ }
func (r *recordingSink) ObserveLatency(_ uint64, rtt time.Duration) {
	r.latencies = append(r.latencies, rtt)
}
func (r *recordingSink) LogPeriodicSample(uint64, int, []NodeSample) { r.periodic++ }
func (r *recordingSink) LogEvent(_, _ uint64, eventName string)     { r.events = append(r.events, eventName) }
func (r *recordingSink) LogSetupParameters(_ uint64, params SetupParameters) {
	r.setups = append(r.setups, params)
}
func (r *recordingSink) ObserveError(source string) { r.errors = append(r.errors, source) }
func (r *recordingSink) Close() error               { r.closed = true; return nil }

func TestMultiSinkFansOutToEveryConstituent(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := MultiSink{a, b}

	m.ObserveFrameSent(1, false)
	m.ObserveFrameReceived(1, true, nil)
	m.ObserveLatency(1, 5*time.Millisecond)
	m.LogPeriodicSample(1, 3, []NodeSample{{NodeAddress: 2, PDRDownlink: 0.9, PDRUplink: 0.8}})
	m.LogEvent(1, 2, "NODE_JOINED")
	m.LogSetupParameters(1, SetupParameters{MainFileHint: "main.go"})
	m.ObserveError("hdlc")

	for name, s := range map[string]*recordingSink{"a": a, "b": b} {
		if s.frameSent != 1 || s.frameReceived != 1 || len(s.latencies) != 1 ||
			s.periodic != 1 || len(s.events) != 1 || len(s.setups) != 1 || len(s.errors) != 1 {
			t.Errorf("sink %s did not receive every observation: %+v", name, s)
		}
	}
}

func TestMultiSinkCloseClosesAllAndReturnsFirstError(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := MultiSink{a, b}
	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected both constituents to be closed")
	}
}

func TestNullSinkDiscardsEverything(t *testing.T) {
	var s NullSink
	s.ObserveFrameSent(1, true)
	s.ObserveFrameReceived(1, false, nil)
	s.ObserveLatency(1, time.Second)
	s.LogPeriodicSample(1, 10, []NodeSample{{NodeAddress: 2, PDRDownlink: 1, PDRUplink: 1}})
	s.LogEvent(1, 2, "NODE_JOINED")
	s.LogSetupParameters(1, SetupParameters{MainFileHint: "main.go"})
	s.ObserveError("x")
	if err := s.Close(); err != nil {
		t.Errorf("NullSink.Close() = %v, want nil", err)
	}
}

func TestCSVSinkWritesHeaderOnceAndAppendsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.csv")

	sink, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}
	sink.ObserveFrameSent(0x10, false)
	sink.LogPeriodicSample(0x10, 4, nil)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "kind") {
		t.Errorf("header line missing column names: %q", lines[0])
	}
	if !strings.Contains(lines[1], "frame_sent") || !strings.Contains(lines[2], "node_count") {
		t.Errorf("rows = %q, %q", lines[1], lines[2])
	}

	sink2, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("reopen NewCSVSink: %v", err)
	}
	sink2.ObserveError("broker")
	sink2.Close()

	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("reopening an existing file must not rewrite the header, got %d lines: %q", len(lines), data)
	}
}

func TestGatewayAndNodeLabelsAreHexFormatted(t *testing.T) {
	if got := gatewayLabel(0x10); got != "0000000000000010" {
		t.Errorf("gatewayLabel(0x10) = %q", got)
	}
	if got := nodeLabel(0xABCD); got != "000000000000abcd" {
		t.Errorf("nodeLabel(0xABCD) = %q", got)
	}
}
