// Package persona enumerates the assistant personas and the stories each one can tell.
package persona

import (
	"errors"
	"fmt"
	"strings"
)

// Persona identifies one of the assistant characters.
type Persona int

const (
	Unknown Persona = iota
	Krishna
	Hanuman
	Ganesha
)

var (
	ErrUnknownPersona = errors.New("persona: unknown persona")
	ErrUnknownTopic   = errors.New("persona: unknown topic")
	ErrNoStories      = errors.New("persona: no stories available")
)

var names = map[Persona]string{
	Krishna: "krishna",
	Hanuman: "hanuman",
	Ganesha: "ganesha",
}

var displayNames = map[Persona]string{
	Krishna: "Krishna",
	Hanuman: "Hanuman",
	Ganesha: "Ganesha",
}

// All returns the known personas in a stable order.
func All() []Persona {
	return []Persona{Krishna, Hanuman, Ganesha}
}

// Parse maps a persona key such as "Hanuman " to its Persona. Matching is case-insensitive.
func Parse(key string) (Persona, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for p, name := range names {
		if name == key {
			return p, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnknownPersona, key)
}

// String returns the lower-case wire key.
func (p Persona) String() string {
	if name, ok := names[p]; ok {
		return name
	}
	return "unknown"
}

// DisplayName returns the capitalised name used in spoken text.
func (p Persona) DisplayName() string {
	if name, ok := displayNames[p]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether p is one of the enumerated personas.
func (p Persona) Valid() bool {
	_, ok := names[p]
	return ok
}

// MarshalText encodes the persona as its wire key.
func (p Persona) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrUnknownPersona
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a wire key.
func (p *Persona) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
