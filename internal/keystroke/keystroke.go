// ABOUTME: Keystroke decoding for remote key events
// ABOUTME: The core only decodes and forwards; OS-level injection is a collaborator
package keystroke

import (
	"fmt"
	"strings"

	log "github.com/schollz/logger"
)

// Mod is a modifier key bit.
type Mod byte

const (
	ModWin   Mod = 1
	ModCtrl  Mod = 1 << 1
	ModShift Mod = 1 << 2
	ModAlt   Mod = 1 << 3
)

// Keystroke is one decoded remote key event: a virtual-key code in the
// range 1-254 plus a modifier bitfield.
type Keystroke struct {
	Key  int
	Mods Mod
}

// New builds a Keystroke from the wire representation.
func New(key, mods byte) Keystroke {
	return Keystroke{Key: int(key), Mods: Mod(mods)}
}

func (k Keystroke) String() string {
	var parts []string
	if k.Mods&ModWin != 0 {
		parts = append(parts, "Win")
	}
	if k.Mods&ModCtrl != 0 {
		parts = append(parts, "Ctrl")
	}
	if k.Mods&ModShift != 0 {
		parts = append(parts, "Shift")
	}
	if k.Mods&ModAlt != 0 {
		parts = append(parts, "Alt")
	}
	parts = append(parts, fmt.Sprintf("0x%02X", k.Key))
	return strings.Join(parts, " + ")
}

// Sink performs the OS-level input injection for a decoded keystroke.
type Sink interface {
	Emulate(k Keystroke) error
}

// LogSink is a Sink that only logs, for platforms without an injector.
type LogSink struct{}

func (LogSink) Emulate(k Keystroke) error {
	log.Infof("keystroke: %s", k)
	return nil
}
