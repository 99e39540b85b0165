// Package config implements the external configuration envelope (spec.md
// §6) and its validation. Parsing from flags/environment is explicitly an
// external-collaborator boundary (a spec Non-goal): this package only
// validates an already-assembled Config.
package config

import (
	"fmt"

	"github.com/marilib/marigo/marierr"
	"github.com/marilib/marigo/protocol"
)

// Config is the configuration envelope surfaced from the external layer,
// per spec.md §6: {serial_port, baudrate, broker_host:port, network_id,
// load_percent, latency_probe_enabled, log_dir}.
type Config struct {
	SerialPort  string
	BaudRate    uint32
	BrokerAddr  string // empty disables the broker (edge runs serial-only)
	NetworkID   uint16

	LoadPercent int // 0-100; 0 disables the load generator

	LatencyProbeEnabled  bool
	LatencyProbeInterval string // parsed by the caller; kept as a string here to avoid importing time parsing into validation

	LogDir string // empty disables the CSV sink
	PromPort int  // <= 0 disables the Prometheus exporter
}

// Validate returns a ConfigurationError for a load percentage outside
// [0,100] or an empty SerialPort. Config carries no schedule id, so an
// unknown schedule id is checked separately by ValidateScheduleID.
// Recovery per spec.md §7: refuse to
// start the offending subsystem, surface to the caller -- here, that means
// returning the error instead of constructing a Coordinator.
func (c Config) Validate() error {
	if c.LoadPercent < 0 || c.LoadPercent > 100 {
		return marierr.Configuration("validate config", fmt.Errorf("load_percent %d out of [0,100]", c.LoadPercent))
	}
	if c.SerialPort == "" {
		return marierr.Configuration("validate config", fmt.Errorf("serial_port is required"))
	}
	return nil
}

// ValidateScheduleID reports a ConfigurationError if scheduleID is not a
// known entry in protocol.Schedules. Gateways announce their own schedule
// id at runtime via GATEWAY_INFO, so this is only useful for callers that
// want to pin and pre-validate an expected schedule ahead of time.
func ValidateScheduleID(scheduleID uint8) error {
	if _, ok := protocol.Schedules[scheduleID]; !ok {
		return marierr.Configuration("validate schedule id", fmt.Errorf("unknown schedule id %d", scheduleID))
	}
	return nil
}
