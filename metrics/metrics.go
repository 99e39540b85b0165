// Package metrics implements the pluggable accounting backends (C9): a
// Sink interface with two concrete implementations, a live Prometheus
// exporter and an append-only CSV log.
//
// Grounded on the teacher's metrics/metrics.go (SetupPrometheus's
// side-mux-on-its-own-port pattern, SummaryVec/CounterVec/HistogramVec
// naming conventions) and saver/saver.go (the per-record marshal-and-append
// pipeline, generalized here from JSON to CSV via gocarina/gocsv, a
// teacher go.mod dependency the retrieved slice of saver.go did not end up
// exercising directly).
package metrics

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives accounting events from the edge and cloud coordinators.
// Implementations must be safe for concurrent use. LogEvent, LogPeriodicSample
// and LogSetupParameters match the three call sites the original Python
// `logger` is invoked from in marilib_edge.py (log_event, log_periodic_metrics,
// log_setup_parameters; SPEC_FULL.md §4.10).
type Sink interface {
	ObserveFrameSent(gatewayAddress uint64, isTestPacket bool)
	ObserveFrameReceived(gatewayAddress uint64, isTestPacket bool, rssiDBm *int)
	ObserveLatency(gatewayAddress uint64, rtt time.Duration)

	// LogEvent records a discrete, named occurrence for a node (e.g.
	// "NODE_JOINED", "NODE_LEFT"), per spec.md §4.4 items 1-2.
	LogEvent(gatewayAddress, nodeAddress uint64, eventName string)

	// LogPeriodicSample records one coordinator Update() tick's snapshot:
	// the live node count and, per node, its current PDR.
	LogPeriodicSample(gatewayAddress uint64, liveNodes int, nodes []NodeSample)

	// LogSetupParameters records the edge's startup parameters, called once
	// at construction and again once the schedule is known from the first
	// GATEWAY_INFO, per spec.md §4.4 item 4.
	LogSetupParameters(gatewayAddress uint64, params SetupParameters)

	ObserveError(source string)
	Close() error
}

// NodeSample is one node's entry in a LogPeriodicSample call.
type NodeSample struct {
	NodeAddress uint64
	PDRDownlink float64
	PDRUplink   float64
}

// SetupParameters is the setup_params dict of marilib_edge.py's
// __post_init__/on_serial_data_received, translated to a struct: a main-file
// hint and serial port known at construction, and a schedule name/id
// appended once the first GATEWAY_INFO arrives.
type SetupParameters struct {
	MainFileHint string
	SerialPort   string

	HasSchedule  bool
	ScheduleName string
	ScheduleID   uint8
}

var (
	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marigo_frames_sent_total",
		Help: "Total number of frames sent to a gateway, by test-packet status.",
	}, []string{"gateway", "test_packet"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marigo_frames_received_total",
		Help: "Total number of frames received from a gateway, by test-packet status.",
	}, []string{"gateway", "test_packet"})

	latencyMsecSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "marigo_latency_msec_summary",
		Help: "Round-trip latency probe measurements, in milliseconds.",
	}, []string{"gateway"})

	liveNodeCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marigo_live_node_count",
		Help: "Number of currently-live nodes on a gateway.",
	}, []string{"gateway"})

	pdrDownlink = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marigo_pdr_downlink",
		Help: "Most recently computed downlink packet delivery ratio for a node.",
	}, []string{"gateway", "node"})

	pdrUplink = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marigo_pdr_uplink",
		Help: "Most recently computed uplink packet delivery ratio for a node.",
	}, []string{"gateway", "node"})

	errorCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marigo_error_count",
		Help: "Total number of errors encountered, by source.",
	}, []string{"source"})

	discreteEventCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marigo_discrete_event_count",
		Help: "Total number of discrete node events (NODE_JOINED, NODE_LEFT), by event name.",
	}, []string{"gateway", "event"})
)

// SetupPrometheus registers the collectors above and serves /metrics plus
// pprof on a dedicated port, matching the teacher's "separate port so it
// can be forwarded independently of the main service port" rationale.
func SetupPrometheus(promPort int) {
	if promPort <= 0 {
		log.Println("not exporting prometheus metrics")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	prometheus.MustRegister(framesSent, framesReceived, latencyMsecSummary,
		liveNodeCount, pdrDownlink, pdrUplink, errorCount, discreteEventCount)

	port := fmt.Sprintf(":%d", promPort)
	log.Println("exporting prometheus metrics on", port)
	go http.ListenAndServe(port, mux)
}

// PrometheusSink is a Sink that updates the package-level Prometheus
// collectors. SetupPrometheus must be called once, by whichever binary
// owns the process, before metrics become scrapeable.
type PrometheusSink struct{}

func gatewayLabel(address uint64) string { return fmt.Sprintf("%016x", address) }
func nodeLabel(address uint64) string    { return fmt.Sprintf("%016x", address) }
func testPacketLabel(isTestPacket bool) string {
	if isTestPacket {
		return "true"
	}
	return "false"
}

func (PrometheusSink) ObserveFrameSent(gatewayAddress uint64, isTestPacket bool) {
	framesSent.WithLabelValues(gatewayLabel(gatewayAddress), testPacketLabel(isTestPacket)).Inc()
}

func (PrometheusSink) ObserveFrameReceived(gatewayAddress uint64, isTestPacket bool, _ *int) {
	framesReceived.WithLabelValues(gatewayLabel(gatewayAddress), testPacketLabel(isTestPacket)).Inc()
}

func (PrometheusSink) ObserveLatency(gatewayAddress uint64, rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)
	latencyMsecSummary.WithLabelValues(gatewayLabel(gatewayAddress)).Observe(ms)
}

func (PrometheusSink) LogPeriodicSample(gatewayAddress uint64, liveNodes int, nodes []NodeSample) {
	liveNodeCount.WithLabelValues(gatewayLabel(gatewayAddress)).Set(float64(liveNodes))
	for _, n := range nodes {
		pdrDownlink.WithLabelValues(gatewayLabel(gatewayAddress), nodeLabel(n.NodeAddress)).Set(n.PDRDownlink)
		pdrUplink.WithLabelValues(gatewayLabel(gatewayAddress), nodeLabel(n.NodeAddress)).Set(n.PDRUplink)
	}
}

func (PrometheusSink) LogEvent(gatewayAddress, nodeAddress uint64, eventName string) {
	discreteEventCount.WithLabelValues(gatewayLabel(gatewayAddress), eventName).Inc()
	log.Printf("gateway %s: %s node %s", gatewayLabel(gatewayAddress), eventName, nodeLabel(nodeAddress))
}

func (PrometheusSink) LogSetupParameters(gatewayAddress uint64, params SetupParameters) {
	if params.HasSchedule {
		log.Printf("gateway %s setup: main_file=%s serial_port=%s schedule_name=%s schedule_id=%d",
			gatewayLabel(gatewayAddress), params.MainFileHint, params.SerialPort, params.ScheduleName, params.ScheduleID)
		return
	}
	log.Printf("gateway %s setup: main_file=%s serial_port=%s",
		gatewayLabel(gatewayAddress), params.MainFileHint, params.SerialPort)
}

func (PrometheusSink) ObserveError(source string) {
	errorCount.WithLabelValues(source).Inc()
}

func (PrometheusSink) Close() error { return nil }

// csvRow is one line of the CSV accounting log. gocsv drives the encoding
// from these struct tags, the way the teacher drives JSON encoding from the
// Connection struct's tags in saver/saver.go.
type csvRow struct {
	TimestampUnixNano int64   `csv:"timestamp_ns"`
	Kind              string  `csv:"kind"`
	GatewayAddress    string  `csv:"gateway"`
	NodeAddress       string  `csv:"node,omitempty"`
	TestPacket        bool    `csv:"test_packet,omitempty"`
	RSSIDBm           int     `csv:"rssi_dbm,omitempty"`
	LatencyMS         float64 `csv:"latency_ms,omitempty"`
	LiveNodes         int     `csv:"live_nodes,omitempty"`
	PDRDownlink       float64 `csv:"pdr_downlink,omitempty"`
	PDRUplink         float64 `csv:"pdr_uplink,omitempty"`
	Source            string  `csv:"source,omitempty"`
	EventName         string  `csv:"event_name,omitempty"`
	MainFileHint      string  `csv:"main_file_hint,omitempty"`
	SerialPort        string  `csv:"serial_port,omitempty"`
	ScheduleName      string  `csv:"schedule_name,omitempty"`
	ScheduleID        uint8   `csv:"schedule_id,omitempty"`
}

// CSVSink is a Sink that appends one row per event to a CSV file. It holds
// no in-memory buffer and flushes on every write, trading efficiency for
// simplicity -- appropriate for the low event rate of a single gateway's
// accounting log (spec.md §6 Non-goals: no bulk telemetry pipeline).
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// NewCSVSink opens (creating if necessary) path for appending and writes a
// header row if the file is new.
func NewCSVSink(path string) (*CSVSink, error) {
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s := &CSVSink{file: f, now: time.Now}
	if os.IsNotExist(statErr) {
		if err := gocsv.MarshalFile([]*csvRow{}, f); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVSink) appendRow(row csvRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.TimestampUnixNano = s.now().UnixNano()
	if err := gocsv.MarshalWithoutHeaders([]*csvRow{&row}, s.file); err != nil {
		log.Println("csv sink: marshal failed:", err)
	}
}

func (s *CSVSink) ObserveFrameSent(gatewayAddress uint64, isTestPacket bool) {
	s.appendRow(csvRow{Kind: "frame_sent", GatewayAddress: gatewayLabel(gatewayAddress), TestPacket: isTestPacket})
}

func (s *CSVSink) ObserveFrameReceived(gatewayAddress uint64, isTestPacket bool, rssiDBm *int) {
	row := csvRow{Kind: "frame_received", GatewayAddress: gatewayLabel(gatewayAddress), TestPacket: isTestPacket}
	if rssiDBm != nil {
		row.RSSIDBm = *rssiDBm
	}
	s.appendRow(row)
}

func (s *CSVSink) ObserveLatency(gatewayAddress uint64, rtt time.Duration) {
	s.appendRow(csvRow{Kind: "latency", GatewayAddress: gatewayLabel(gatewayAddress), LatencyMS: float64(rtt) / float64(time.Millisecond)})
}

func (s *CSVSink) LogPeriodicSample(gatewayAddress uint64, liveNodes int, nodes []NodeSample) {
	s.appendRow(csvRow{Kind: "node_count", GatewayAddress: gatewayLabel(gatewayAddress), LiveNodes: liveNodes})
	for _, n := range nodes {
		s.appendRow(csvRow{
			Kind:           "pdr",
			GatewayAddress: gatewayLabel(gatewayAddress),
			NodeAddress:    nodeLabel(n.NodeAddress),
			PDRDownlink:    n.PDRDownlink,
			PDRUplink:      n.PDRUplink,
		})
	}
}

func (s *CSVSink) LogEvent(gatewayAddress, nodeAddress uint64, eventName string) {
	s.appendRow(csvRow{
		Kind:           "event",
		GatewayAddress: gatewayLabel(gatewayAddress),
		NodeAddress:    nodeLabel(nodeAddress),
		EventName:      eventName,
	})
}

func (s *CSVSink) LogSetupParameters(gatewayAddress uint64, params SetupParameters) {
	row := csvRow{
		Kind:           "setup_parameters",
		GatewayAddress: gatewayLabel(gatewayAddress),
		MainFileHint:   params.MainFileHint,
		SerialPort:     params.SerialPort,
	}
	if params.HasSchedule {
		row.ScheduleName = params.ScheduleName
		row.ScheduleID = params.ScheduleID
	}
	s.appendRow(row)
}

func (s *CSVSink) ObserveError(source string) {
	s.appendRow(csvRow{Kind: "error", Source: source})
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink fans every event out to all of its constituent sinks, closing
// all of them on Close and returning the first error, if any.
type MultiSink []Sink

func (m MultiSink) ObserveFrameSent(gatewayAddress uint64, isTestPacket bool) {
	for _, s := range m {
		s.ObserveFrameSent(gatewayAddress, isTestPacket)
	}
}

func (m MultiSink) ObserveFrameReceived(gatewayAddress uint64, isTestPacket bool, rssiDBm *int) {
	for _, s := range m {
		s.ObserveFrameReceived(gatewayAddress, isTestPacket, rssiDBm)
	}
}

func (m MultiSink) ObserveLatency(gatewayAddress uint64, rtt time.Duration) {
	for _, s := range m {
		s.ObserveLatency(gatewayAddress, rtt)
	}
}

func (m MultiSink) LogPeriodicSample(gatewayAddress uint64, liveNodes int, nodes []NodeSample) {
	for _, s := range m {
		s.LogPeriodicSample(gatewayAddress, liveNodes, nodes)
	}
}

func (m MultiSink) LogEvent(gatewayAddress, nodeAddress uint64, eventName string) {
	for _, s := range m {
		s.LogEvent(gatewayAddress, nodeAddress, eventName)
	}
}

func (m MultiSink) LogSetupParameters(gatewayAddress uint64, params SetupParameters) {
	for _, s := range m {
		s.LogSetupParameters(gatewayAddress, params)
	}
}

func (m MultiSink) ObserveError(source string) {
	for _, s := range m {
		s.ObserveError(source)
	}
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NullSink discards every observation.
type NullSink struct{}

func (NullSink) ObserveFrameSent(uint64, bool)               {}
func (NullSink) ObserveFrameReceived(uint64, bool, *int)     {}
func (NullSink) ObserveLatency(uint64, time.Duration)        {}
func (NullSink) LogPeriodicSample(uint64, int, []NodeSample) {}
func (NullSink) LogEvent(uint64, uint64, string)             {}
func (NullSink) LogSetupParameters(uint64, SetupParameters)  {}
func (NullSink) ObserveError(string)                         {}
func (NullSink) Close() error                                { return nil }
