package rfid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Mode identifies a tag source implementation.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeSimulated Mode = "simulated"
	ModeSerial    Mode = "serial"
	ModeKeyboard  Mode = "keyboard"
)

// UnknownTag is always part of the simulated candidate set so the unknown-student path is exercised.
const UnknownTag = "NON_EXISTENT_RFID_999"

var (
	ErrNoSource       = errors.New("rfid: no tag source available")
	ErrStopTimeout    = errors.New("rfid: scan worker did not stop in time")
	ErrWorkerBusy     = errors.New("rfid: previous scan worker still running")
	ErrConnectionLost = errors.New("rfid: reader connection lost")
)

// TagEvent is a single tag read. An empty ID is the sentinel delivered to a capture
// callback when scanning could not run at all.
type TagEvent struct {
	ID        string    `json:"id"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Listener receives tag events on the scan worker goroutine.
type Listener func(TagEvent)

// Source produces tag identifiers. Next blocks until a tag is read, ctx is done or the
// source fails for good; transient read problems are handled inside the source.
type Source interface {
	Next(ctx context.Context) (string, error)
	Mode() Mode
	Close() error
}

// Reconnecter is implemented by sources that can reopen their hardware after ErrConnectionLost.
type Reconnecter interface {
	Reconnect(ctx context.Context) error
}

// Config selects the source mode and its parameters.
type Config struct {
	Mode     Mode
	Fallback bool

	SerialPort string
	SerialBaud int
	SerialVID  string
	SerialPID  string

	KeyboardDevice string
	KeyboardName   string

	SimTags        []string
	SimMinInterval time.Duration
	SimMaxInterval time.Duration

	JoinTimeout time.Duration
}

// CapabilityError reports that a mode cannot be used on this host, either because the
// platform lacks the capability or because the reader hardware was not found.
type CapabilityError struct {
	Mode Mode
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("rfid %s mode unavailable: %v", e.Mode, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSimulated, "":
		return ModeSimulated, nil
	case ModeSerial:
		return ModeSerial, nil
	case ModeKeyboard:
		return ModeKeyboard, nil
	default:
		return "", fmt.Errorf("unknown rfid mode %q", s)
	}
}

// Open builds the source for cfg.Mode without applying any fallback.
func Open(cfg Config, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Mode {
	case ModeSimulated, "":
		return NewSimulated(cfg.SimTags, cfg.SimMinInterval, cfg.SimMaxInterval), nil
	case ModeSerial:
		src, err := OpenSerial(cfg, logger)
		if err != nil {
			return nil, &CapabilityError{Mode: ModeSerial, Err: err}
		}
		return src, nil
	case ModeKeyboard:
		return OpenKeyboard(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown rfid mode %q", cfg.Mode)
	}
}
