package curriculum

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-tutor/internal/persona"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func twoStepLibrary(t *testing.T) *Library {
	t.Helper()
	store, err := NewStore("test", []Step{
		{Title: "Doha 1", Verse: "verse one", Translation: "meaning one", LearningNote: "note one"},
		{Title: "Doha 2", Verse: "verse two", Translation: "meaning two", Playback: "doha_2.wav"},
	})
	require.NoError(t, err)
	return NewLibrary(map[persona.Persona]*Store{persona.Hanuman: store})
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore("empty", nil)
	require.ErrorIs(t, err, ErrEmptyCurriculum)

	_, err = NewStore("missing", []Step{{Verse: "v"}})
	require.ErrorContains(t, err, "translation is required")

	_, err = NewStore("missing", []Step{{Translation: "t"}})
	require.ErrorContains(t, err, "verse is required")
}

func TestStoreLookup(t *testing.T) {
	store, err := NewStore("x", []Step{{Verse: "a", Translation: "a"}, {Verse: "b", Translation: "b"}})
	require.NoError(t, err)

	require.Equal(t, 2, store.Count())
	step, err := store.Get(1)
	require.NoError(t, err)
	require.Equal(t, "b", step.Verse)

	for _, bad := range []int{-1, 2, 100} {
		_, err := store.Get(bad)
		require.ErrorIs(t, err, ErrIndexOutOfRange, "index %d", bad)
	}

	next, ok := store.NextIndex(0)
	require.True(t, ok)
	require.Equal(t, 1, next)
	_, ok = store.NextIndex(1)
	require.False(t, ok)
	_, ok = store.NextIndex(-3)
	require.False(t, ok)
}

func TestStoreCopiesInput(t *testing.T) {
	steps := []Step{{Verse: "a", Translation: "a", Hindi: &Localized{Verse: "अ"}}}
	store, err := NewStore("x", steps)
	require.NoError(t, err)

	steps[0].Verse = "mutated"
	steps[0].Hindi.Verse = "mutated"
	got, err := store.Get(0)
	require.NoError(t, err)
	require.Equal(t, "a", got.Verse)
	require.Equal(t, "अ", got.Hindi.Verse)

	got.Hindi.Verse = "changed by caller"
	again, _ := store.Get(0)
	require.Equal(t, "अ", again.Hindi.Verse)
}

func TestTeachTwoStepExample(t *testing.T) {
	lib := twoStepLibrary(t)

	first, err := lib.Teach(persona.Hanuman, 0, TeachOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, first.Index)
	require.Equal(t, 2, first.Total)
	require.NotNil(t, first.NextStepIndex)
	require.Equal(t, 1, *first.NextStepIndex)

	last, err := lib.Teach(persona.Hanuman, 1, TeachOptions{})
	require.NoError(t, err)
	require.Nil(t, last.NextStepIndex)

	_, err = lib.Teach(persona.Ganesha, 0, TeachOptions{})
	require.ErrorIs(t, err, ErrUnsupportedPersona)
}

func TestTeachIndexProperty(t *testing.T) {
	lib, err := Load()
	require.NoError(t, err)
	store, err := lib.Curriculum(persona.Hanuman)
	require.NoError(t, err)
	total := store.Count()

	rapid.Check(t, func(rt *rapid.T) {
		i := rapid.IntRange(0, total-1).Draw(rt, "index")
		lesson, err := lib.Teach(persona.Hanuman, i, TeachOptions{})
		if err != nil {
			rt.Fatalf("teach %d: %v", i, err)
		}
		if lesson.Index != i || lesson.Total != total {
			rt.Fatalf("lesson %d/%d, want %d/%d", lesson.Index, lesson.Total, i, total)
		}
		if i+1 < total {
			if lesson.NextStepIndex == nil || *lesson.NextStepIndex != i+1 {
				rt.Fatalf("next for %d = %v", i, lesson.NextStepIndex)
			}
		} else if lesson.NextStepIndex != nil {
			rt.Fatalf("expected end of curriculum at %d", i)
		}
	})
}

func TestTeachOutOfRange(t *testing.T) {
	lib := twoStepLibrary(t)

	_, err := lib.Teach(persona.Hanuman, 2, TeachOptions{})
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = lib.Teach(persona.Hanuman, -1, TeachOptions{})
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	clamped, err := lib.Teach(persona.Hanuman, 7, TeachOptions{Clamp: true})
	require.NoError(t, err)
	require.Equal(t, 0, clamped.Index)
}

func TestNarrationLayout(t *testing.T) {
	lib := twoStepLibrary(t)
	lesson, err := lib.Teach(persona.Hanuman, 0, TeachOptions{})
	require.NoError(t, err)

	require.Equal(t, []string{
		"Doha 1",
		"verse one",
		"Meaning: meaning one",
		"Learning: note one",
		"Can you say this line with me?",
	}, strings.Split(lesson.NarrationText, "\n"))

	second, err := lib.Teach(persona.Hanuman, 1, TeachOptions{})
	require.NoError(t, err)
	require.NotContains(t, second.NarrationText, "Learning:")
}

func TestBuiltinChalisa(t *testing.T) {
	lib, err := Load()
	require.NoError(t, err)
	require.Equal(t, []persona.Persona{persona.Hanuman}, lib.Personas())

	store, err := lib.Curriculum(persona.Hanuman)
	require.NoError(t, err)
	require.Equal(t, 7, store.Count())
	require.Equal(t, "Hanuman Chalisa", store.Name())

	lesson, err := lib.Teach(persona.Hanuman, 2, TeachOptions{Language: Hindi})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(lesson.NarrationText, "Chaupai 1\nजय हनुमान"))
	require.Contains(t, lesson.NarrationText, "अर्थ: ")
}

func TestHindiFallsBackToEnglish(t *testing.T) {
	text := Narration(Step{Verse: "v", Translation: "t"}, Hindi)
	require.Contains(t, text, "Meaning: t")
}

func TestLoadFileOverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chalisa.yaml")
	doc := `persona: hanuman
name: Short Chalisa
steps:
  - title: Doha 1
    verse: line
    translation: meaning
    playback: audio/doha_1.wav
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	lib, err := Load(path)
	require.NoError(t, err)
	store, err := lib.Curriculum(persona.Hanuman)
	require.NoError(t, err)
	require.Equal(t, 1, store.Count())
	step, err := store.Get(0)
	require.NoError(t, err)
	require.True(t, step.HasPlayback())
	require.Equal(t, "audio/doha_1.wav", step.Playback)
}

func TestParseRejectsUnknownPersona(t *testing.T) {
	_, _, err := Parse([]byte("persona: ravana\nsteps:\n  - verse: a\n    translation: b\n"))
	require.ErrorIs(t, err, persona.ErrUnknownPersona)
}
