package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loopsync/internal/transport"
)

// Scenario is a scripted session: a sequence of inputs fed to a fresh
// engine, followed by expectations on the final snapshot.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario checks.
	Description string `yaml:"description"`

	// Transport is the meter the engine starts with (stopped).
	// Defaults to transport.DefaultConfig().
	Transport *transport.Config `yaml:"transport,omitempty"`

	// Threshold overrides the near-downbeat selection tolerance.
	Threshold float64 `yaml:"threshold,omitempty"`

	// Steps run in order; the engine is drained after each one.
	Steps []Step `yaml:"steps"`

	// Expect is checked against the snapshot after the last step.
	Expect Expect `yaml:"expect"`
}

// Step is one scenario input. Exactly one field must be set.
//
// Loop references (select, toggle, clear, delete, active.loop) may be
// a loop id or a loop name.
type Step struct {
	// Start starts the transport with a meter.
	Start *transport.Config `yaml:"start,omitempty"`

	// Transport pushes an authoritative transport update.
	Transport *TransportStep `yaml:"transport,omitempty"`

	// Create asks for a new loop with the given name ("" for the default).
	Create *string `yaml:"create,omitempty"`

	Select   string `yaml:"select,omitempty"`
	Toggle   string `yaml:"toggle,omitempty"`
	Deselect bool   `yaml:"deselect,omitempty"`
	Clear    string `yaml:"clear,omitempty"`
	Delete   string `yaml:"delete,omitempty"`

	// Active sets a loop's audibility flag.
	Active *ActiveStep `yaml:"active,omitempty"`

	// Event pushes a gesture.
	Event *EventStep `yaml:"event,omitempty"`

	// Advance moves the manual clock forward by this many milliseconds.
	Advance *float64 `yaml:"advance,omitempty"`

	// Frame runs one local tick.
	Frame bool `yaml:"frame,omitempty"`

	// Fail makes the next backend call of this method fail
	// (for example "SelectLoop").
	Fail string `yaml:"fail,omitempty"`
}

// TransportStep is an authoritative transport update. Unset fields are
// left unchanged.
type TransportStep struct {
	Phase      *float64 `yaml:"phase,omitempty"`
	Playing    *bool    `yaml:"playing,omitempty"`
	BPM        *float64 `yaml:"bpm,omitempty"`
	BeatPerBar *int     `yaml:"beat_per_bar,omitempty"`
	Bars       *int     `yaml:"bars,omitempty"`
}

// ActiveStep sets a loop's active flag.
type ActiveStep struct {
	Loop   string `yaml:"loop"`
	Active bool   `yaml:"active"`
}

// EventStep is a gesture. Kind defaults to "on". Without TsMs the engine
// stamps the event with the clock's current time.
type EventStep struct {
	Kind   string   `yaml:"kind,omitempty"`
	Object string   `yaml:"object"`
	Hand   string   `yaml:"hand,omitempty"`
	Finger string   `yaml:"finger,omitempty"`
	TsMs   *float64 `yaml:"ts_ms,omitempty"`
}

// Expect holds checks on the final snapshot. Unset fields are not checked.
type Expect struct {
	Selected  *string          `yaml:"selected,omitempty"`
	Pending   *string          `yaml:"pending,omitempty"`
	Recording *RecordingExpect `yaml:"recording,omitempty"`

	// Loops, when set, must list every loop in registry order.
	Loops []LoopExpect `yaml:"loops,omitempty"`

	// Objects and Fingers are the exact highlight sets; fingers are
	// written "hand:finger".
	Objects []string `yaml:"objects,omitempty"`
	Fingers []string `yaml:"fingers,omitempty"`

	Phase     *float64 `yaml:"phase,omitempty"`
	Playing   *bool    `yaml:"playing,omitempty"`
	Metronome *bool    `yaml:"metronome,omitempty"`
}

// RecordingExpect checks the recording session.
type RecordingExpect struct {
	Open     bool   `yaml:"open"`
	Loop     string `yaml:"loop,omitempty"`
	Buffered *int   `yaml:"buffered,omitempty"`
}

// LoopExpect checks one loop. Timings are compared in order.
type LoopExpect struct {
	ID      string    `yaml:"id"`
	Name    string    `yaml:"name,omitempty"`
	Active  *bool     `yaml:"active,omitempty"`
	Timings []float64 `yaml:"timings"`
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Transport != nil {
		if err := s.Transport.Validate(); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	if s.Threshold < 0 || s.Threshold >= 0.5 {
		return fmt.Errorf("threshold must be in [0, 0.5), got %v", s.Threshold)
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	for i, l := range s.Expect.Loops {
		if l.ID == "" {
			return fmt.Errorf("expect.loops[%d]: id is required", i)
		}
	}
	return nil
}

func validateStep(step Step) error {
	n := 0
	count := func(set bool) {
		if set {
			n++
		}
	}
	count(step.Start != nil)
	count(step.Transport != nil)
	count(step.Create != nil)
	count(step.Select != "")
	count(step.Toggle != "")
	count(step.Deselect)
	count(step.Clear != "")
	count(step.Delete != "")
	count(step.Active != nil)
	count(step.Event != nil)
	count(step.Advance != nil)
	count(step.Frame)
	count(step.Fail != "")

	if n != 1 {
		return fmt.Errorf("exactly one action per step, got %d", n)
	}

	switch {
	case step.Active != nil && step.Active.Loop == "":
		return fmt.Errorf("active.loop is required")
	case step.Event != nil && step.Event.Object == "":
		return fmt.Errorf("event.object is required")
	case step.Advance != nil && *step.Advance < 0:
		return fmt.Errorf("advance must not be negative")
	}
	return nil
}
