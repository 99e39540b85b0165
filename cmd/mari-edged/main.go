// Command mari-edged is a thin example wiring of the edge coordinator: it
// opens a serial port, optionally an MQTT broker and a CSV/Prometheus
// metrics sink, and runs the read loop, latency prober and load generator
// until interrupted.
//
// This binary is not part of the library surface; CLI/env-var parsing is
// an explicit external-collaborator boundary (spec.md §6 Non-goals). Its
// shape -- flag parsing, rtx.Must for fatal startup errors, a blocking
// main goroutine -- follows the teacher's implied main (not retrieved in
// the pack) inferred from saver.NewSaver/metrics.SetupPrometheus's call
// shapes.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/marilib/marigo/config"
	"github.com/marilib/marigo/edge"
	"github.com/marilib/marigo/latency"
	"github.com/marilib/marigo/load"
	"github.com/marilib/marigo/metrics"
	"github.com/marilib/marigo/transport"
)

var (
	serialPort           = flag.String("serial_port", "/dev/ttyACM0", "gateway serial device")
	baudRate             = flag.Uint("baudrate", 1000000, "serial baud rate")
	brokerAddr           = flag.String("broker_addr", "", "MQTT broker address, e.g. tcp://localhost:1883 (empty disables cloud forwarding)")
	networkID            = flag.Uint("network_id", uint(0x0001), "default network id before GATEWAY_INFO arrives")
	loadPercent          = flag.Int("load_percent", 0, "load generator target, percent of downlink capacity")
	latencyProbeEnabled  = flag.Bool("latency_probe_enabled", false, "enable the periodic latency probe")
	latencyProbeInterval = flag.Duration("latency_probe_interval", time.Second, "latency probe interval")
	logDir               = flag.String("log_dir", "", "directory for the CSV accounting log (empty disables it)")
	promPort             = flag.Int("prometheus_port", 0, "port to serve Prometheus metrics on (0 disables)")
)

func main() {
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not parse env args")
	flag.Parse()

	cfg := config.Config{
		SerialPort:  *serialPort,
		BaudRate:    uint32(*baudRate),
		BrokerAddr:  *brokerAddr,
		NetworkID:   uint16(*networkID),
		LoadPercent: *loadPercent,
		LogDir:      *logDir,
		PromPort:    *promPort,
	}
	rtx.Must(cfg.Validate(), "invalid configuration")

	metrics.SetupPrometheus(cfg.PromPort)

	serial, err := transport.OpenSerialPort(cfg.SerialPort, cfg.BaudRate)
	rtx.Must(err, "failed to open serial port %q", cfg.SerialPort)
	defer serial.Close()

	var broker transport.Broker = transport.NullBroker{}
	if cfg.BrokerAddr != "" {
		b, err := transport.DialMQTTBroker(cfg.BrokerAddr, "mari-edged", 5*time.Second)
		rtx.Must(err, "failed to connect to broker %q", cfg.BrokerAddr)
		broker = b
		defer broker.Close()
	}

	sink := buildSink(cfg)
	defer sink.Close()

	coord := edge.NewCoordinator(edge.Config{
		MainFileHint: "mari-edged",
		SerialPort:   cfg.SerialPort,
		NetworkID:    cfg.NetworkID,
	}, serial, broker, sink, logApplicationEvent)

	var prober *latency.Prober
	if *latencyProbeEnabled {
		prober = latency.NewProber(coord, coord)
		coord.SetLatencyHandler(prober)
		prober.Start(*latencyProbeInterval)
		defer prober.Stop()
	}

	generator := load.NewGenerator(coord, coord, cfg.LoadPercent)
	generator.Start()
	defer generator.Stop()

	go func() {
		if err := coord.ReadLoop(); err != nil {
			log.Println("serial read loop exited:", err)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			coord.Update()
		}
	}()

	waitForSignal()
}

func buildSink(cfg config.Config) metrics.Sink {
	var sinks metrics.MultiSink
	if cfg.PromPort > 0 {
		sinks = append(sinks, metrics.PrometheusSink{})
	}
	if cfg.LogDir != "" {
		csvSink, err := metrics.NewCSVSink(cfg.LogDir + "/mari-edged.csv")
		rtx.Must(err, "failed to open CSV sink in %q", cfg.LogDir)
		sinks = append(sinks, csvSink)
	}
	if len(sinks) == 0 {
		return metrics.NullSink{}
	}
	return sinks
}

func logApplicationEvent(e edge.Event) {
	log.Printf("event tag=%s", e.Tag)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
