//go:build linux

package rfid

import (
	"testing"

	"github.com/holoplot/go-evdev"
)

func TestKeyDecoderBuildsLineOnEnter(t *testing.T) {
	var d keyDecoder
	press := func(code evdev.EvCode) (string, bool) {
		line, ok := d.feed(code, keyPress)
		d.feed(code, keyRelease)
		return line, ok
	}

	for _, code := range []evdev.EvCode{evdev.KEY_0, evdev.KEY_4, evdev.KEY_KP7, evdev.KEY_A} {
		if _, ok := press(code); ok {
			t.Fatal("line emitted before enter")
		}
	}
	d.feed(evdev.KEY_LEFTSHIFT, keyPress)
	press(evdev.KEY_B)
	d.feed(evdev.KEY_LEFTSHIFT, keyRelease)

	line, ok := press(evdev.KEY_ENTER)
	if !ok || line != "047aB" {
		t.Fatalf("line = %q ok=%v", line, ok)
	}

	if _, ok := press(evdev.KEY_KPENTER); ok {
		t.Fatal("empty line should not be emitted")
	}
}

func TestKeyDecoderIgnoresRepeatsAndUnknownKeys(t *testing.T) {
	var d keyDecoder
	d.feed(evdev.KEY_1, keyPress)
	d.feed(evdev.KEY_1, 2)
	d.feed(evdev.KEY_F1, keyPress)
	line, ok := d.feed(evdev.KEY_ENTER, keyPress)
	if !ok || line != "1" {
		t.Fatalf("line = %q ok=%v", line, ok)
	}
}
