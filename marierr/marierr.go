// Package marierr defines the error taxonomy shared by the codec and
// coordinator packages. Every kind absorbed at the coordinator boundary
// (framing, parse, unknown-event) wraps one of the sentinel values below so
// callers can classify a failure with errors.Is without string matching.
package marierr

import "errors"

// Sentinel errors identifying each kind in the taxonomy. Wrap these with
// fmt.Errorf("...: %w", ErrX) to attach context while keeping errors.Is working.
var (
	// ErrTransport covers serial open/read/write and broker connect/publish
	// failures. transport.SerialPort does not retry; transport.MQTTBroker
	// enables the MQTT client's auto-reconnect. edge.Coordinator.ReadLoop
	// returns on the first read failure and exposes no connection-health
	// signal.
	ErrTransport = errors.New("transport error")

	// ErrFraming covers CRC mismatch or invalid byte-stuffing in hdlc. The
	// decoder resynchronizes at the next flag byte; this error never
	// propagates across the application callback boundary.
	ErrFraming = errors.New("framing error")

	// ErrProtocolParse covers a payload too short or malformed for its
	// declared packet type.
	ErrProtocolParse = errors.New("protocol parse error")

	// ErrPayloadTooShort is a specific ErrProtocolParse cause used by the
	// packet codec.
	ErrPayloadTooShort = errors.New("payload too short")

	// ErrUnknownEvent covers an event tag byte with no registered decoder.
	ErrUnknownEvent = errors.New("unknown event tag")

	// ErrLogical covers a stats update addressed at a node that does not
	// exist (unicast to an unknown address). Recovery is to update
	// gateway-level stats only; this error is informational.
	ErrLogical = errors.New("logical error")

	// ErrConfiguration covers an invalid configuration value discovered at
	// startup (load percentage outside [0,100], unknown schedule id).
	ErrConfiguration = errors.New("configuration error")
)

// Transport wraps err as an ErrTransport, tagging which operation failed.
func Transport(op string, err error) error {
	return &wrapped{kind: ErrTransport, op: op, err: err}
}

// Framing wraps err as an ErrFraming.
func Framing(op string, err error) error {
	return &wrapped{kind: ErrFraming, op: op, err: err}
}

// ProtocolParse wraps err as an ErrProtocolParse.
func ProtocolParse(op string, err error) error {
	return &wrapped{kind: ErrProtocolParse, op: op, err: err}
}

// UnknownEvent reports tag as an ErrUnknownEvent.
func UnknownEvent(tag byte) error {
	return &wrapped{kind: ErrUnknownEvent, op: "decode", err: errByteTag(tag)}
}

// Logical wraps err as an ErrLogical.
func Logical(op string, err error) error {
	return &wrapped{kind: ErrLogical, op: op, err: err}
}

// Configuration wraps err as an ErrConfiguration.
func Configuration(op string, err error) error {
	return &wrapped{kind: ErrConfiguration, op: op, err: err}
}

type wrapped struct {
	kind error
	op   string
	err  error
}

func (w *wrapped) Error() string {
	if w.err == nil {
		return w.op + ": " + w.kind.Error()
	}
	return w.op + ": " + w.kind.Error() + ": " + w.err.Error()
}

func (w *wrapped) Unwrap() error { return w.kind }

type errByteTag byte

func (e errByteTag) Error() string {
	const hex = "0123456789abcdef"
	return "tag 0x" + string([]byte{hex[byte(e)>>4], hex[byte(e)&0xf]})
}
