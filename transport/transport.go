// Package transport implements the external interfaces (spec.md §6): the
// host<->gateway byte stream (a serial port) and the edge<->cloud broker
// (an MQTT topic pair), plus a null broker for single-process testing.
//
// ByteStream is grounded on the teacher's raw socket handling in
// inetdiag/inetdiag.go (read the wire, hand back raw bytes, let the caller
// parse); the termios setup is grounded on golang.org/x/sys/unix, already a
// teacher dependency used there for netlink socket options. Broker is
// grounded on original_source/marilib/communication_adapter.py's
// MQTTAdapter/SerialAdapter split, using github.com/eclipse/paho.mqtt.golang
// for the MQTT client (see DESIGN.md for why this one out-of-pack
// dependency was added).
package transport

import (
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sys/unix"

	"github.com/marilib/marigo/marierr"
)

// ByteStream is a byte-oriented duplex connection to a gateway, e.g. a
// serial port. Implementations need not be safe for concurrent Read and
// Write from multiple goroutines, but must be safe for one reader
// goroutine concurrent with one writer goroutine.
type ByteStream interface {
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
	Close() error
}

// Broker is the edge<->cloud publish/subscribe transport: one topic for
// edge-originated events, one for cloud-originated downlink commands, per
// original_source/marilib/communication_adapter.py's topic convention
// ("/mari/{network_id}/to_cloud" and "/to_edge").
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close() error
}

// EdgeToCloudTopic and CloudToEdgeTopic name the two broker topics for a
// given network id, per spec.md §6's "/mari/{network_id:04X}/..." convention
// (a zero-padded 4-digit hex network id, not decimal).
func EdgeToCloudTopic(networkID uint16) string {
	return fmt.Sprintf("/mari/%04X/to_cloud", networkID)
}

func CloudToEdgeTopic(networkID uint16) string {
	return fmt.Sprintf("/mari/%04X/to_edge", networkID)
}

// SerialPort is a ByteStream backed by a UNIX tty, configured to raw mode
// (no echo, no line discipline, 8N1) at the given baud rate.
type SerialPort struct {
	f    *os.File
	mu   sync.Mutex
	rbuf [1]byte
}

// OpenSerialPort opens path and puts it into raw mode at baud.
func OpenSerialPort(path string, baud uint32) (*SerialPort, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, marierr.Transport("open serial port", err)
	}
	if err := setRawMode(f, baud); err != nil {
		f.Close()
		return nil, marierr.Transport("configure serial port", err)
	}
	return &SerialPort{f: f}, nil
}

func setRawMode(f *os.File, baud uint32) error {
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if rate, ok := baudRates[baud]; ok {
		t.Ispeed = rate
		t.Ospeed = rate
	}
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}

// ReadByte reads a single byte, blocking until one is available.
func (s *SerialPort) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.Read(s.rbuf[:])
	if err != nil {
		return 0, marierr.Transport("read serial byte", err)
	}
	if n == 0 {
		return 0, marierr.Transport("read serial byte", marierr.ErrTransport)
	}
	return s.rbuf[0], nil
}

// Write writes p to the port.
func (s *SerialPort) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if err != nil {
		return n, marierr.Transport("write serial port", err)
	}
	return n, nil
}

// Close closes the underlying file.
func (s *SerialPort) Close() error { return s.f.Close() }

// MQTTBroker implements Broker over an MQTT v3.1.1 connection, per
// original_source/marilib/communication_adapter.py's MQTTAdapter (built on
// paho-mqtt there; eclipse/paho.mqtt.golang here).
type MQTTBroker struct {
	client mqtt.Client
}

// DialMQTTBroker connects to an MQTT broker at addr (e.g. "tcp://host:1883")
// with the given client id, waiting up to timeout for the connection.
func DialMQTTBroker(addr, clientID string, timeout time.Duration) (*MQTTBroker, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, marierr.Transport("mqtt connect", marierr.ErrTransport)
	}
	if err := token.Error(); err != nil {
		return nil, marierr.Transport("mqtt connect", err)
	}
	return &MQTTBroker{client: client}, nil
}

// Publish publishes payload to topic at QoS 1.
func (b *MQTTBroker) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return marierr.Transport("mqtt publish", err)
	}
	return nil
}

// Subscribe registers handler to be called with the payload of every
// message published to topic.
func (b *MQTTBroker) Subscribe(topic string, handler func(payload []byte)) error {
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return marierr.Transport("mqtt subscribe", err)
	}
	return nil
}

// Close disconnects the client, waiting up to 250ms to flush.
func (b *MQTTBroker) Close() error {
	b.client.Disconnect(250)
	return nil
}

// NullBroker is a Broker that discards every publish and never calls any
// subscribed handler. It is used when a gateway is wired to a serial edge
// with no cloud channel (spec.md §6 Non-goals: no required cloud
// connectivity).
type NullBroker struct{}

func (NullBroker) Publish(string, []byte) error                     { return nil }
func (NullBroker) Subscribe(string, func(payload []byte)) error      { return nil }
func (NullBroker) Close() error                                     { return nil }
