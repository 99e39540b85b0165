package config

import "testing"

func TestValidateRejectsOutOfRangeLoadPercent(t *testing.T) {
	c := Config{SerialPort: "/dev/ttyACM0", LoadPercent: 101}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for load_percent > 100")
	}
	c.LoadPercent = -1
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for negative load_percent")
	}
}

func TestValidateAcceptsBoundaryLoadPercents(t *testing.T) {
	for _, p := range []int{0, 50, 100} {
		c := Config{SerialPort: "/dev/ttyACM0", LoadPercent: p}
		if err := c.Validate(); err != nil {
			t.Errorf("load_percent=%d: unexpected error %v", p, err)
		}
	}
}

func TestValidateRequiresSerialPort(t *testing.T) {
	c := Config{LoadPercent: 10}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for missing serial_port")
	}
}

func TestValidateScheduleIDUnknown(t *testing.T) {
	if err := ValidateScheduleID(99); err == nil {
		t.Fatal("expected an error for unknown schedule id")
	}
	if err := ValidateScheduleID(2); err != nil {
		t.Errorf("unexpected error for known schedule id: %v", err)
	}
}
