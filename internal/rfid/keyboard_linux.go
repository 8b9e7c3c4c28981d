//go:build linux

package rfid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/holoplot/go-evdev"
)

const (
	keyRelease = 0
	keyPress   = 1
)

var keyRunes = map[evdev.EvCode]rune{
	evdev.KEY_0: '0', evdev.KEY_1: '1', evdev.KEY_2: '2', evdev.KEY_3: '3', evdev.KEY_4: '4',
	evdev.KEY_5: '5', evdev.KEY_6: '6', evdev.KEY_7: '7', evdev.KEY_8: '8', evdev.KEY_9: '9',
	evdev.KEY_KP0: '0', evdev.KEY_KP1: '1', evdev.KEY_KP2: '2', evdev.KEY_KP3: '3', evdev.KEY_KP4: '4',
	evdev.KEY_KP5: '5', evdev.KEY_KP6: '6', evdev.KEY_KP7: '7', evdev.KEY_KP8: '8', evdev.KEY_KP9: '9',
	evdev.KEY_A: 'a', evdev.KEY_B: 'b', evdev.KEY_C: 'c', evdev.KEY_D: 'd', evdev.KEY_E: 'e',
	evdev.KEY_F: 'f', evdev.KEY_G: 'g', evdev.KEY_H: 'h', evdev.KEY_I: 'i', evdev.KEY_J: 'j',
	evdev.KEY_K: 'k', evdev.KEY_L: 'l', evdev.KEY_M: 'm', evdev.KEY_N: 'n', evdev.KEY_O: 'o',
	evdev.KEY_P: 'p', evdev.KEY_Q: 'q', evdev.KEY_R: 'r', evdev.KEY_S: 's', evdev.KEY_T: 't',
	evdev.KEY_U: 'u', evdev.KEY_V: 'v', evdev.KEY_W: 'w', evdev.KEY_X: 'x', evdev.KEY_Y: 'y',
	evdev.KEY_Z: 'z', evdev.KEY_MINUS: '-',
}

// keyDecoder turns key events into lines terminated by ENTER.
type keyDecoder struct {
	buf   strings.Builder
	shift bool
}

func (d *keyDecoder) feed(code evdev.EvCode, value int32) (string, bool) {
	switch code {
	case evdev.KEY_LEFTSHIFT, evdev.KEY_RIGHTSHIFT:
		d.shift = value != keyRelease
		return "", false
	}
	if value != keyPress {
		return "", false
	}
	switch code {
	case evdev.KEY_ENTER, evdev.KEY_KPENTER:
		line := strings.TrimSpace(d.buf.String())
		d.buf.Reset()
		return line, line != ""
	}
	r, ok := keyRunes[code]
	if !ok {
		return "", false
	}
	if d.shift && r >= 'a' && r <= 'z' {
		r -= 'a' - 'A'
	}
	if r == '-' && d.shift {
		r = '_'
	}
	d.buf.WriteRune(r)
	return "", false
}

type keyEvent struct {
	code  evdev.EvCode
	value int32
	err   error
}

// Keyboard reads tags from a keyboard-emulating reader through evdev. The device is
// grabbed exclusively so scanned digits do not reach other applications.
type Keyboard struct {
	logger *slog.Logger
	dev    *evdev.InputDevice
	path   string

	events    chan keyEvent
	done      chan struct{}
	closeOnce sync.Once
	decoder   keyDecoder
}

// OpenKeyboard opens cfg.KeyboardDevice, or the first input device whose name contains
// cfg.KeyboardName.
func OpenKeyboard(cfg Config, logger *slog.Logger) (Source, error) {
	path := cfg.KeyboardDevice
	if path == "" {
		found, err := findKeyboardDevice(cfg.KeyboardName)
		if err != nil {
			return nil, &CapabilityError{Mode: ModeKeyboard, Err: err}
		}
		path = found
	}

	dev, err := evdev.Open(path)
	if err != nil {
		return nil, &CapabilityError{Mode: ModeKeyboard, Err: fmt.Errorf("open %s: %w", path, err)}
	}
	if err := dev.Grab(); err != nil {
		_ = dev.Close()
		return nil, &CapabilityError{Mode: ModeKeyboard, Err: fmt.Errorf("grab %s: %w", path, err)}
	}

	k := &Keyboard{
		logger: logger,
		dev:    dev,
		path:   path,
		events: make(chan keyEvent, 64),
		done:   make(chan struct{}),
	}
	name, _ := dev.Name()
	logger.Info("keyboard RFID reader opened", "device", path, "name", name)

	go k.pump()
	return k, nil
}

func findKeyboardDevice(match string) (string, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return "", fmt.Errorf("list input devices: %w", err)
	}
	match = strings.ToLower(match)
	for _, p := range paths {
		if match == "" || strings.Contains(strings.ToLower(p.Name), match) {
			return p.Path, nil
		}
	}
	return "", fmt.Errorf("no input device matching %q", match)
}

func (k *Keyboard) pump() {
	for {
		ev, err := k.dev.ReadOne()
		if err != nil {
			select {
			case k.events <- keyEvent{err: err}:
			case <-k.done:
			}
			return
		}
		if ev.Type != evdev.EV_KEY {
			continue
		}
		select {
		case k.events <- keyEvent{code: ev.Code, value: ev.Value}:
		case <-k.done:
			return
		}
	}
}

func (k *Keyboard) Mode() Mode { return ModeKeyboard }

func (k *Keyboard) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-k.done:
			return "", fmt.Errorf("%w: device closed", ErrConnectionLost)
		case ev := <-k.events:
			if ev.err != nil {
				return "", fmt.Errorf("%w: %v", ErrConnectionLost, ev.err)
			}
			if line, ok := k.decoder.feed(ev.code, ev.value); ok {
				return line, nil
			}
		}
	}
}

func (k *Keyboard) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		if uerr := k.dev.Ungrab(); uerr != nil {
			k.logger.Debug("ungrab keyboard device", "device", k.path, "error", uerr)
		}
		err = k.dev.Close()
	})
	return err
}
