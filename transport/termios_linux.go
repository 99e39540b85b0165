package transport

import "golang.org/x/sys/unix"

// ioctlGetTermios/ioctlSetTermios and the baud rate table are Linux ioctl
// numbers and termios constants from golang.org/x/sys/unix, used by
// setRawMode in transport.go.
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

var baudRates = map[uint32]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}
