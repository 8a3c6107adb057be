// Package loop owns the collection of recorded loops.
//
// Event arrays are copy-on-write: Append and Clear always install a fresh
// slice and never write into one that a snapshot may still hold. Readers
// can therefore share Loop values without locking and never observe a
// partially applied finalize.
package loop

import (
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultName is used when a loop is created without a name.
const DefaultName = "Untitled Loop"

// Registry errors.
var (
	ErrLoopNotFound  = errors.New("loop not found")
	ErrDuplicateLoop = errors.New("loop already exists")
	ErrEmptyID       = errors.New("loop id is empty")
)

// Event is one quantized onset within a loop cycle.
type Event struct {
	ObjectID string  `json:"objectId"`
	Hand     string  `json:"hand"`
	Finger   string  `json:"finger"`
	Timing   float64 `json:"timing"` // [0,1) position within the cycle
}

// Loop is a named, independently playable sequence of events.
type Loop struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Active bool    `json:"active"`
	Events []Event `json:"events"`
}

// NormalizeName trims a loop name and converts it to NFC so that names
// typed on different input methods compare equal.
func NormalizeName(name string) string {
	nm := strings.TrimSpace(norm.NFC.String(name))
	if nm == "" {
		return DefaultName
	}
	return nm
}
