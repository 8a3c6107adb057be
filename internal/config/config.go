// Package config loads and validates loopsync configuration files.
//
// Files are YAML, decoded strictly (unknown keys are errors) on top of
// Default(), then checked against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

//go:embed schema.cue
var schemaCUE string

// ErrInvalid is returned when a config fails schema validation.
var ErrInvalid = errors.New("invalid config")

// Defaults not owned by another package.
const (
	DefaultBackendURL      = "http://localhost:8000/api"
	DefaultPushURL         = "ws://localhost:8000/ws"
	DefaultListen          = "127.0.0.1:8090"
	DefaultFrameInterval   = 16 * time.Millisecond
	DefaultCallTimeout     = 5 * time.Second
	DefaultSelectThreshold = 0.02
)

// Duration is a time.Duration written as "16ms", "1.5s" and so on.
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"16ms\"", n.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON writes the duration as a string ("16ms").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) ms() float64 {
	return float64(d) / float64(time.Millisecond)
}

// Highlight sets the highlight windows.
type Highlight struct {
	ObjectWindow Duration `yaml:"object_window" json:"object_window"`
	FingerWindow Duration `yaml:"finger_window" json:"finger_window"`
}

// MIDI configures gesture input from a MIDI port.
type MIDI struct {
	// Port is a substring of the input port name. Empty disables MIDI.
	Port string `yaml:"port" json:"port"`

	// Hands maps MIDI channels (0-15) to "left" or "right".
	Hands map[int]string `yaml:"hands" json:"hands"`
}

// Config is the full loopsync configuration.
type Config struct {
	BackendURL      string           `yaml:"backend_url" json:"backend_url"`
	PushURL         string           `yaml:"push_url" json:"push_url"`
	Database        string           `yaml:"database" json:"database"`
	Listen          string           `yaml:"listen" json:"listen"`
	FrameInterval   Duration         `yaml:"frame_interval" json:"frame_interval"`
	CallTimeout     Duration         `yaml:"call_timeout" json:"call_timeout"`
	SelectThreshold float64          `yaml:"select_threshold" json:"select_threshold"`
	Highlight       Highlight        `yaml:"highlight" json:"highlight"`
	Transport       transport.Config `yaml:"transport" json:"transport"`
	MIDI            MIDI             `yaml:"midi" json:"midi"`
}

// Default returns the built-in configuration. Database is empty, which
// disables the journal.
func Default() Config {
	return Config{
		BackendURL:      DefaultBackendURL,
		PushURL:         DefaultPushURL,
		Listen:          DefaultListen,
		FrameInterval:   Duration(DefaultFrameInterval),
		CallTimeout:     Duration(DefaultCallTimeout),
		SelectThreshold: DefaultSelectThreshold,
		Highlight: Highlight{
			ObjectWindow: Duration(gesture.DefaultObjectWindow),
			FingerWindow: Duration(gesture.DefaultFingerWindow),
		},
		Transport: transport.DefaultConfig(),
		MIDI: MIDI{
			Hands: map[int]string{0: "left", 1: "right"},
		},
	}
}

// HighlightConfig returns the windows in the form the tracker takes.
func (c Config) HighlightConfig() gesture.Config {
	return gesture.Config{
		ObjectWindow: c.Highlight.ObjectWindow.Std(),
		FingerWindow: c.Highlight.FingerWindow.Std(),
	}
}

// Load reads, decodes and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default() and validates the result. An empty
// document yields the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(cfg.schemaView()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w:\n%s", ErrInvalid, cueerrors.Details(err, nil))
	}
	return nil
}

// schemaView flattens cfg into the shape the schema describes.
func (c Config) schemaView() map[string]any {
	hands := make(map[string]string, len(c.MIDI.Hands))
	for ch, hand := range c.MIDI.Hands {
		hands[strconv.Itoa(ch)] = hand
	}
	return map[string]any{
		"backend_url":       c.BackendURL,
		"push_url":          c.PushURL,
		"database":          c.Database,
		"listen":            c.Listen,
		"frame_interval_ms": c.FrameInterval.ms(),
		"call_timeout_ms":   c.CallTimeout.ms(),
		"select_threshold":  c.SelectThreshold,
		"highlight": map[string]any{
			"object_window_ms": c.Highlight.ObjectWindow.ms(),
			"finger_window_ms": c.Highlight.FingerWindow.ms(),
		},
		"transport": map[string]any{
			"bpm":          c.Transport.BPM,
			"beat_per_bar": c.Transport.BeatPerBar,
			"bars":         c.Transport.Bars,
		},
		"midi": map[string]any{
			"port":  c.MIDI.Port,
			"hands": hands,
		},
	}
}
