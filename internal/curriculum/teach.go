package curriculum

import (
	"strings"

	"github.com/loqalabs/loqa-tutor/internal/persona"
)

// Language selects the text variant used for lesson narration.
type Language string

const (
	English Language = "en"
	Hindi   Language = "hi"
)

type phrasing struct {
	meaning  string
	learning string
	question string
}

var phrasings = map[Language]phrasing{
	English: {meaning: "Meaning: ", learning: "Learning: ", question: "Can you say this line with me?"},
	Hindi:   {meaning: "अर्थ: ", learning: "सीख: ", question: "क्या आप मेरे साथ यह पंक्ति बोलेंगे?"},
}

// TeachOptions tunes Teach. The zero value rejects bad indexes and narrates in English.
type TeachOptions struct {
	// Clamp substitutes step 0 for an out-of-range index instead of failing.
	Clamp    bool
	Language Language
}

// Lesson is the narration for one step plus where to go next.
type Lesson struct {
	Persona       persona.Persona
	Index         int
	Total         int
	Title         string
	NarrationText string
	// NextStepIndex is nil after the last step.
	NextStepIndex *int
}

// Teach renders step index of the curriculum taught by p.
func (l *Library) Teach(p persona.Persona, index int, opts TeachOptions) (Lesson, error) {
	store, err := l.Curriculum(p)
	if err != nil {
		return Lesson{}, err
	}
	if opts.Clamp && (index < 0 || index >= store.Count()) {
		index = 0
	}
	step, err := store.Get(index)
	if err != nil {
		return Lesson{}, err
	}
	lesson := Lesson{
		Persona:       p,
		Index:         index,
		Total:         store.Count(),
		Title:         step.Title,
		NarrationText: Narration(step, opts.Language),
	}
	if next, ok := store.NextIndex(index); ok {
		lesson.NextStepIndex = &next
	}
	return lesson, nil
}

// Narration renders a step as title, verse, meaning, learning and a closing question,
// one per line. Empty optional parts are left out. Hindi falls back to English text
// for steps without a translation.
func Narration(step Step, lang Language) string {
	verse, translation, learning := step.Verse, step.Translation, step.LearningNote
	phr := phrasings[English]
	if lang == Hindi && step.Hindi != nil && step.Hindi.Verse != "" {
		phr = phrasings[Hindi]
		verse = step.Hindi.Verse
		translation = firstNonEmpty(step.Hindi.Translation, translation)
		learning = firstNonEmpty(step.Hindi.Learning, learning)
	}

	lines := make([]string, 0, 5)
	if title := strings.TrimSpace(step.Title); title != "" {
		lines = append(lines, title)
	}
	lines = append(lines, strings.TrimSpace(verse))
	lines = append(lines, phr.meaning+strings.TrimSpace(translation))
	if learning = strings.TrimSpace(learning); learning != "" {
		lines = append(lines, phr.learning+learning)
	}
	lines = append(lines, phr.question)
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
