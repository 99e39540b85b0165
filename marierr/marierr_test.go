package marierr

import (
	"errors"
	"testing"
)

func TestWrappedUnwrapsToSentinel(t *testing.T) {
	cause := errors.New("eof")
	err := Transport("read byte", cause)

	if !errors.Is(err, ErrTransport) {
		t.Fatal("expected errors.Is to match ErrTransport")
	}
	if errors.Is(err, ErrFraming) {
		t.Fatal("did not expect errors.Is to match an unrelated sentinel")
	}
}

func TestEachConstructorTagsItsSentinel(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"Transport", Transport("op", errors.New("x")), ErrTransport},
		{"Framing", Framing("op", errors.New("x")), ErrFraming},
		{"ProtocolParse", ProtocolParse("op", errors.New("x")), ErrProtocolParse},
		{"UnknownEvent", UnknownEvent(0x2A), ErrUnknownEvent},
		{"Logical", Logical("op", errors.New("x")), ErrLogical},
		{"Configuration", Configuration("op", errors.New("x")), ErrConfiguration},
	}
	for _, c := range cases {
		if !errors.Is(c.err, c.want) {
			t.Errorf("%s: errors.Is did not match expected sentinel", c.name)
		}
	}
}

func TestUnknownEventFormatsTagAsHex(t *testing.T) {
	err := UnknownEvent(0x2A)
	want := "decode: unknown event tag: tag 0x2a"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrappedWithNilCause(t *testing.T) {
	err := &wrapped{kind: ErrLogical, op: "noop"}
	want := "noop: logical error"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
