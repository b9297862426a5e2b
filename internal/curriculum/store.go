// Package curriculum holds the ordered teaching steps for each persona and renders lesson narration.
package curriculum

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIndexOutOfRange    = errors.New("curriculum: step index out of range")
	ErrUnsupportedPersona = errors.New("curriculum: persona does not teach a curriculum")
	ErrEmptyCurriculum    = errors.New("curriculum: no steps")
)

// Localized carries translated step text.
type Localized struct {
	Verse       string `yaml:"verse"`
	Translation string `yaml:"translation"`
	Learning    string `yaml:"learning"`
}

// Step is one immutable teaching unit. Its position in the Store is its identity.
type Step struct {
	Title        string     `yaml:"title"`
	Verse        string     `yaml:"verse"`
	Translation  string     `yaml:"translation"`
	LearningNote string     `yaml:"learning"`
	Playback     string     `yaml:"playback,omitempty"`
	Hindi        *Localized `yaml:"hindi,omitempty"`
}

// HasPlayback reports whether the step references a recorded verse.
func (s Step) HasPlayback() bool {
	return strings.TrimSpace(s.Playback) != ""
}

// Store is a read-only ordered list of steps.
type Store struct {
	name  string
	steps []Step
}

// NewStore validates steps and takes a private copy of them.
func NewStore(name string, steps []Step) (*Store, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyCurriculum
	}
	copied := make([]Step, len(steps))
	for i, step := range steps {
		if strings.TrimSpace(step.Verse) == "" {
			return nil, fmt.Errorf("curriculum: step %d: verse is required", i)
		}
		if strings.TrimSpace(step.Translation) == "" {
			return nil, fmt.Errorf("curriculum: step %d: translation is required", i)
		}
		if step.Hindi != nil {
			h := *step.Hindi
			step.Hindi = &h
		}
		copied[i] = step
	}
	return &Store{name: name, steps: copied}, nil
}

// Name returns the curriculum display name.
func (s *Store) Name() string { return s.name }

// Count returns the number of steps.
func (s *Store) Count() int { return len(s.steps) }

// Get returns the step at index.
func (s *Store) Get(index int) (Step, error) {
	if index < 0 || index >= len(s.steps) {
		return Step{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(s.steps))
	}
	step := s.steps[index]
	if step.Hindi != nil {
		h := *step.Hindi
		step.Hindi = &h
	}
	return step, nil
}

// NextIndex returns the index after index, or false at the end of the curriculum
// or when index itself is out of range.
func (s *Store) NextIndex(index int) (int, bool) {
	if index < 0 || index+1 >= len(s.steps) {
		return 0, false
	}
	return index + 1, true
}
