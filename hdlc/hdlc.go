// Package hdlc implements the byte-framing codec (C1): a self-synchronizing
// variable-length frame format using a sentinel flag byte to delimit frames
// and a byte-stuffing escape scheme, with a trailing CRC-16 computed over the
// unescaped payload.
//
// The exact byte constants (flag 0x7E, escape 0x7D, escape-xor 0x20) and the
// CRC-16/CCITT polynomial follow the standard PPP/HDLC convention (RFC 1662);
// original_source references a sibling serial_hdlc module by name but its
// source was not available to ground the literal byte values, so this is a
// recorded design choice rather than a guess (see SPEC_FULL.md §9).
package hdlc

import "github.com/marilib/marigo/marierr"

const (
	flagByte   byte = 0x7E
	escapeByte byte = 0x7D
	escapeXOR  byte = 0x20
)

// State is one state of the receiver state machine (spec.md §4.1).
type State int

const (
	Idle State = iota
	Receiving
	Escaping
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Receiving:
		return "RECEIVING"
	case Escaping:
		return "ESCAPING"
	case Ready:
		return "READY"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Decoder is a byte-at-a-time HDLC-style frame decoder. The zero value is
// ready to use.
type Decoder struct {
	state      State
	buf        []byte
	payload    []byte
	corruption int
}

// State returns the decoder's current state.
func (d *Decoder) State() State { return d.state }

// CorruptionCount returns the number of frames dropped for a CRC or framing
// failure since the decoder was created.
func (d *Decoder) CorruptionCount() int { return d.corruption }

// Feed advances the state machine by one byte and returns the resulting
// state. When it returns Ready, call Payload to retrieve the decoded,
// CRC-verified frame body, then Reset to continue receiving. When it
// returns Error, the decoder has already discarded the bad frame and
// counted it in CorruptionCount; call Reset to resume receiving, as
// described below.
// Feed advances the state machine by one byte and returns the resulting
// state. A flag byte always delimits a frame boundary: it is at once the
// close of whatever frame was in progress and the open of the next, so the
// decoder starts accumulating the next frame's bytes immediately rather
// than waiting for a second flag. The caller must call Payload (or Err)
// and then Reset as soon as Feed returns Ready or Error and before feeding
// the next byte, per the READY/ERROR contract in spec.md §4.1; bytes fed
// while state is still Ready/Error without an intervening Reset are
// dropped, since the decoder has nowhere defined to put them.
func (d *Decoder) Feed(b byte) State {
	switch d.state {
	case Idle, Ready, Error:
		if b == flagByte {
			d.buf = d.buf[:0]
			d.state = Receiving
		}
		return d.state

	case Receiving:
		switch b {
		case flagByte:
			return d.finishFrame()
		case escapeByte:
			d.state = Escaping
			return d.state
		default:
			d.buf = append(d.buf, b)
			return d.state
		}

	case Escaping:
		d.buf = append(d.buf, b^escapeXOR)
		d.state = Receiving
		return d.state
	}
	return d.state
}

func (d *Decoder) finishFrame() State {
	if len(d.buf) < 2 {
		// Too short to carry a CRC trailer: an empty or keep-alive
		// double-flag. Not a frame; keep receiving into a fresh buffer.
		d.buf = d.buf[:0]
		d.state = Receiving
		return d.state
	}
	payload := d.buf[:len(d.buf)-2]
	wantCRC := uint16(d.buf[len(d.buf)-2]) | uint16(d.buf[len(d.buf)-1])<<8
	if CRC16(payload) != wantCRC {
		d.corruption++
		d.state = Error
		return d.state
	}
	d.payload = append(d.payload[:0], payload...)
	d.state = Ready
	return d.state
}

// Payload returns the decoded payload once State is Ready. It returns nil
// otherwise. The returned slice is a copy owned by the caller.
func (d *Decoder) Payload() []byte {
	if d.state != Ready {
		return nil
	}
	out := make([]byte, len(d.payload))
	copy(out, d.payload)
	return out
}

// Reset acknowledges a Ready or Error state and resumes receiving the next
// frame, sharing the flag byte that just closed the previous one.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	if d.state == Ready || d.state == Error {
		d.state = Receiving
	}
}

// Err returns a classified error describing why the decoder is in the Error
// state, or nil otherwise. This is informational only: the decoder has
// already recovered and will resynchronize at the next flag byte.
func (d *Decoder) Err() error {
	if d.state != Error {
		return nil
	}
	return marierr.Framing("hdlc decode", errCRCMismatch)
}

type crcMismatchError struct{}

func (crcMismatchError) Error() string { return "CRC-16 mismatch" }

var errCRCMismatch = crcMismatchError{}

// Encode produces a self-delimited frame from payload: flag, byte-stuffed
// payload, byte-stuffed CRC-16 trailer (little-endian), flag.
func Encode(payload []byte) []byte {
	crc := CRC16(payload)
	out := make([]byte, 0, len(payload)+6)
	out = append(out, flagByte)
	out = appendStuffed(out, payload)
	out = appendStuffed(out, []byte{byte(crc), byte(crc >> 8)})
	out = append(out, flagByte)
	return out
}

func appendStuffed(out []byte, data []byte) []byte {
	for _, b := range data {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXOR)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// CRC16 computes the CRC-16/CCITT-FALSE checksum (poly 0x1021, init 0xFFFF)
// over data.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
