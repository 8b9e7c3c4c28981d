package rfid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	serialReadTimeout   = 200 * time.Millisecond
	serialMaxReadErrors = 5
	serialMaxLine       = 256
)

// serialPort is the subset of serial.Port used by the reader.
type serialPort interface {
	Read(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

type portOpener func(name string, baud int) (serialPort, error)

func openHardwarePort(name string, baud int) (serialPort, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// Serial reads newline-terminated ASCII tag frames from a USB-serial reader.
type Serial struct {
	logger *slog.Logger
	cfg    Config
	open   portOpener

	mu   sync.Mutex
	name string
	port serialPort
	buf  []byte
}

// OpenSerial opens the configured port, or discovers one by USB VID/PID when no port is named.
func OpenSerial(cfg Config, logger *slog.Logger) (*Serial, error) {
	s := &Serial{logger: logger, cfg: cfg, open: openHardwarePort}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Serial) Mode() Mode { return ModeSerial }

// PortName returns the device path currently in use.
func (s *Serial) PortName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Serial) connect() error {
	name := s.cfg.SerialPort
	if name == "" {
		found, err := findSerialPort(s.cfg.SerialVID, s.cfg.SerialPID)
		if err != nil {
			return err
		}
		name = found
	}

	baud := s.cfg.SerialBaud
	if baud <= 0 {
		baud = 9600
	}

	port, err := s.open(name, baud)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", name, err)
	}

	s.mu.Lock()
	s.name = name
	s.port = port
	s.buf = s.buf[:0]
	s.mu.Unlock()

	s.logger.Info("serial RFID reader opened", "port", name, "baud", baud)
	return nil
}

func findSerialPort(vid, pid string) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if vid != "" && !strings.EqualFold(p.VID, vid) {
			continue
		}
		if pid != "" && !strings.EqualFold(p.PID, pid) {
			continue
		}
		return p.Name, nil
	}
	if vid == "" && pid == "" {
		return "", errors.New("no USB serial port found")
	}
	return "", fmt.Errorf("no USB serial port with VID %q PID %q", vid, pid)
}

// Next returns the next non-empty printable line. Read and decode errors reset the input
// buffer; a disconnect or a run of consecutive read errors returns ErrConnectionLost.
func (s *Serial) Next(ctx context.Context) (string, error) {
	chunk := make([]byte, 64)
	failures := 0

	for {
		if line, ok := s.takeLine(); ok {
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		s.mu.Lock()
		port := s.port
		s.mu.Unlock()
		if port == nil {
			return "", ErrConnectionLost
		}

		n, err := port.Read(chunk)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if isDisconnect(err) {
				return "", fmt.Errorf("%w: %v", ErrConnectionLost, err)
			}
			failures++
			s.logger.Warn("serial read error", "port", s.PortName(), "error", err, "consecutive", failures)
			s.resetInput(port)
			if failures >= serialMaxReadErrors {
				return "", fmt.Errorf("%w: %d consecutive read errors", ErrConnectionLost, failures)
			}
			continue
		}
		failures = 0
		if n == 0 {
			continue
		}

		s.mu.Lock()
		s.buf = append(s.buf, chunk[:n]...)
		overflow := len(s.buf) > serialMaxLine && bytes.IndexAny(s.buf, "\r\n") < 0
		s.mu.Unlock()
		if overflow {
			s.logger.Warn("serial frame too long, discarding", "port", s.PortName())
			s.resetInput(port)
		}
	}
}

// takeLine pops the next complete line from the buffer. Lines with non-printable bytes
// are dropped with a warning.
func (s *Serial) takeLine() (string, bool) {
	for {
		s.mu.Lock()
		idx := bytes.IndexAny(s.buf, "\r\n")
		if idx < 0 {
			s.mu.Unlock()
			return "", false
		}
		raw := string(s.buf[:idx])
		s.buf = s.buf[idx+1:]
		port := s.port
		s.mu.Unlock()

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !isPrintableASCII(line) {
			s.logger.Warn("serial frame decode error, resetting input", "port", s.PortName(), "bytes", len(raw))
			if port != nil {
				s.resetInput(port)
			}
			continue
		}
		return line, true
	}
}

func (s *Serial) resetInput(port serialPort) {
	if err := port.ResetInputBuffer(); err != nil {
		s.logger.Debug("reset serial input buffer", "error", err)
	}
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Reconnect closes the current port and opens it again, rediscovering it by VID/PID if needed.
func (s *Serial) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	old := s.port
	s.port = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return s.connect()
}

func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

func isDisconnect(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENXIO)
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
