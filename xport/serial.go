package xport

import (
	"fmt"
	"io"
	"time"

	tty "github.com/mattn/go-tty"
)

// SerialPort is the byte pipe to a real device: a CDC-ACM or UART device
// node opened in raw mode. Reads and writes go through the tty's
// underlying files, which are pollable, so Client deadlines work.
type SerialPort struct {
	tty *tty.TTY
	in  io.Reader
	out io.Writer
}

// OpenSerial opens the device node and switches it to raw mode. A zero
// baud leaves the line rate as configured; CDC-ACM devices ignore it
// anyway.
func OpenSerial(path string, baud int) (*SerialPort, error) {
	t, err := tty.OpenDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := t.Raw(); err != nil {
		t.Close()
		return nil, fmt.Errorf("raw mode on %s: %w", path, err)
	}
	if baud > 0 {
		if err := setBaud(t.Input(), baud); err != nil {
			t.Close()
			return nil, fmt.Errorf("set %d baud on %s: %w", baud, path, err)
		}
	}
	return &SerialPort{tty: t, in: t.Input(), out: t.Output()}, nil
}

func (s *SerialPort) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *SerialPort) Write(p []byte) (int, error) { return s.out.Write(p) }

// SetReadDeadline forwards to the input file so Client timeouts apply.
func (s *SerialPort) SetReadDeadline(t time.Time) error {
	return s.tty.Input().SetReadDeadline(t)
}

func (s *SerialPort) Close() error { return s.tty.Close() }
