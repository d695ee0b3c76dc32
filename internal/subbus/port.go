package subbus

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Port is the transport a Link drives: a half-duplex byte stream with a
// read deadline, so the link state machine can be exercised against either
// a real UART or an in-memory pipe in tests.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// TTY wraps a raw, non-blocking serial device as a Port.
type TTY struct {
	*os.File
}

// OpenTTY configures the serial device at path for sub-bus use: raw mode,
// no echo, no signal processing, 8 data bits, 1 stop bit, no parity, the
// requested baud rate. Configuration uses the same termios ioctl family
// collector/socket-monitor.go uses for raw netlink sockets, aimed here at a
// serial line instead of a socket. The fd is put in non-blocking mode so
// the returned *os.File's SetReadDeadline can bound each poll slot.
func OpenTTY(path string, baud uint32) (*TTY, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err := setBaud(t, baud); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &TTY{File: os.NewFile(uintptr(fd), path)}, nil
}

// setBaud fills in the termios speed fields for the common BiDiB bus rates
// (typically 115200 baud); unsupported rates fail closed rather than
// silently picking the nearest one.
func setBaud(t *unix.Termios, baud uint32) error {
	rate, ok := map[uint32]uint32{
		9600:    unix.B9600,
		19200:   unix.B19200,
		38400:   unix.B38400,
		57600:   unix.B57600,
		115200:  unix.B115200,
	}[baud]
	if !ok {
		return errUnsupportedBaud
	}
	t.Ispeed = rate
	t.Ospeed = rate
	return nil
}
