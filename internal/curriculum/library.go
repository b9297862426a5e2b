package curriculum

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/loqalabs/loqa-tutor/internal/persona"
	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var builtin embed.FS

// document is the on-disk curriculum format.
type document struct {
	Persona string `yaml:"persona"`
	Name    string `yaml:"name"`
	Steps   []Step `yaml:"steps"`
}

// Library maps personas to their curriculum. It is built once and never mutated.
type Library struct {
	stores map[persona.Persona]*Store
}

// NewLibrary builds a library from already validated stores.
func NewLibrary(stores map[persona.Persona]*Store) *Library {
	copied := make(map[persona.Persona]*Store, len(stores))
	for p, s := range stores {
		copied[p] = s
	}
	return &Library{stores: copied}
}

// Load reads the built-in curricula, then each file in paths. A file replaces
// the built-in curriculum of the persona it names.
func Load(paths ...string) (*Library, error) {
	stores := make(map[persona.Persona]*Store)
	err := fs.WalkDir(builtin, "data", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := builtin.ReadFile(path)
		if err != nil {
			return err
		}
		p, store, err := Parse(data)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", path, err)
		}
		stores[p] = store
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		p, store, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		stores[p] = store
	}
	return NewLibrary(stores), nil
}

// LoadFile parses a single curriculum file.
func LoadFile(path string) (persona.Persona, *Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return persona.Unknown, nil, fmt.Errorf("read curriculum file: %w", err)
	}
	p, store, err := Parse(data)
	if err != nil {
		return persona.Unknown, nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, store, nil
}

// Parse decodes and validates a curriculum document.
func Parse(data []byte) (persona.Persona, *Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return persona.Unknown, nil, fmt.Errorf("parse curriculum: %w", err)
	}
	p, err := persona.Parse(doc.Persona)
	if err != nil {
		return persona.Unknown, nil, err
	}
	store, err := NewStore(doc.Name, doc.Steps)
	if err != nil {
		return persona.Unknown, nil, err
	}
	return p, store, nil
}

// Curriculum returns the steps taught by p.
func (l *Library) Curriculum(p persona.Persona) (*Store, error) {
	store, ok := l.stores[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPersona, p)
	}
	return store, nil
}

// Personas lists the personas that teach, in enum order.
func (l *Library) Personas() []persona.Persona {
	out := make([]persona.Persona, 0, len(l.stores))
	for p := range l.stores {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
