//go:build rtmidi

package main

// The rtmidi driver needs cgo and the system MIDI libraries.
import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
