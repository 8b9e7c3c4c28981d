//go:build !linux

package rfid

import (
	"errors"
	"log/slog"
)

// OpenKeyboard reports that keyboard emulation needs Linux evdev.
func OpenKeyboard(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, &CapabilityError{Mode: ModeKeyboard, Err: errors.New("keyboard emulation requires linux evdev")}
}
