package narration

import (
	"context"
	"strings"
	"time"
)

// silencePerWord is how much audio the silent synthesizer produces per word.
const silencePerWord = 50 * time.Millisecond

// silentSynth stands in for a speech engine in development and tests.
type silentSynth struct {
	format  Format
	latency time.Duration
}

// NewMockSynth returns a synthesizer that emits silence sized to the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &silentSynth{
		format:  Format{SampleRate: sampleRate, Channels: channels},
		latency: 10 * time.Millisecond,
	}
}

func (m *silentSynth) Format() Format { return m.format }

func (m *silentSynth) Speak(ctx context.Context, u Utterance, emit func(Segment) error) error {
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	words := time.Duration(len(strings.Fields(u.Text)))
	frames := int(words * silencePerWord * time.Duration(m.format.SampleRate) / time.Second)
	return emit(Segment{PCM: make([]byte, frames*m.format.Channels*2), Final: true})
}
