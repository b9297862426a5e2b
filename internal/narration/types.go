// Package narration speaks text on behalf of the tutor. It answers narration
// requests on the bus and replies only after every audio segment has been
// published, so a requester can block until dispatch completes.
package narration

import "context"

// Utterance is one piece of text to speak.
type Utterance struct {
	Text  string
	Voice string
}

// Format is the PCM layout a synthesizer produces: 16-bit little endian
// samples at SampleRate, interleaved across Channels.
type Format struct {
	SampleRate int
	Channels   int
}

// Segment is a run of synthesized PCM. Final marks the last segment of an utterance.
type Segment struct {
	PCM   []byte
	Final bool
}

// Synthesizer turns text into speech.
type Synthesizer interface {
	Format() Format
	// Speak hands each segment of u to emit in order and stops at the first
	// error emit returns.
	Speak(ctx context.Context, u Utterance, emit func(Segment) error) error
}
