package protocol

import "time"

// TeachRequest asks for the narration of one curriculum step. A nil StepIndex
// continues from the session's remembered position.
type TeachRequest struct {
	SessionID string `json:"session_id"`
	Persona   string `json:"persona"`
	StepIndex *int   `json:"step_index,omitempty"`
	Language  string `json:"language,omitempty"`
}

// TeachResponse carries either a lesson or an error code.
type TeachResponse struct {
	SessionID     string `json:"session_id"`
	Persona       string `json:"persona,omitempty"`
	Index         int    `json:"index"`
	Total         int    `json:"total"`
	Title         string `json:"title,omitempty"`
	NarrationText string `json:"narration_text,omitempty"`
	NextStepIndex *int   `json:"next_step_index"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// StoryRequest asks a persona for a story. An empty topic picks the first.
type StoryRequest struct {
	SessionID string `json:"session_id"`
	Persona   string `json:"persona"`
	Topic     string `json:"topic,omitempty"`
}

type StoryResponse struct {
	SessionID       string   `json:"session_id"`
	Persona         string   `json:"persona,omitempty"`
	Topic           string   `json:"topic,omitempty"`
	Story           string   `json:"story,omitempty"`
	AvailableTopics []string `json:"available_topics,omitempty"`
	Error           string   `json:"error,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// SequenceRequest starts a playback sequence for one step. A nil StepIndex
// uses the session's remembered position.
type SequenceRequest struct {
	SessionID    string `json:"session_id"`
	Persona      string `json:"persona"`
	StepIndex    *int   `json:"step_index,omitempty"`
	VersePrompt  string `json:"verse_prompt,omitempty"`
	RepeatPrompt string `json:"repeat_prompt,omitempty"`
}

// SequenceStatus reports run progress. It is published on every state change
// and once more when the run ends.
type SequenceStatus struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	StepIndex int       `json:"step_index"`
	State     string    `json:"state"`
	Chunks    int       `json:"chunks,omitempty"`
	TimedOut  bool      `json:"timed_out,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackDone is the client's confirmation that verse playback finished.
type PlaybackDone struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
}

// ConversationMessage is one line of the visible conversation.
type ConversationMessage struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NarrationRequest asks the narration service to speak text.
type NarrationRequest struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

// NarrationAck is the reply sent once narration audio has been dispatched.
type NarrationAck struct {
	SessionID string `json:"session_id"`
	Chunks    int    `json:"chunks"`
	Error     string `json:"error,omitempty"`
}

// AudioChunk is synthesized narration speech.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// PCMChunk is one second of verse audio.
type PCMChunk struct {
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Frames     int    `json:"frames"`
	PCM        []byte `json:"pcm"`
}

// PCMStreamEnd follows the last PCMChunk of a run.
type PCMStreamEnd struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Chunks    int    `json:"chunks"`
}

// EncodedAudio is an opaque verse recording the client decodes itself.
type EncodedAudio struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Data      []byte `json:"data"`
}

// Error codes carried in responses and statuses.
const (
	ErrCodeUnsupportedPersona = "unsupported_persona"
	ErrCodeUnknownPersona     = "unknown_persona"
	ErrCodeUnknownTopic       = "unknown_topic"
	ErrCodeNoStories          = "no_stories"
	ErrCodeIndexOutOfRange    = "index_out_of_range"
	ErrCodeInvalidPath        = "invalid_path"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnsupportedFormat  = "unsupported_format"
	ErrCodeReadError          = "read_error"
	ErrCodeSequenceInProgress = "sequence_in_progress"
	ErrCodeConfirmTimeout     = "confirmation_timeout"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeDisabled           = "disabled"
	ErrCodeInternal           = "internal"
)

const (
	SubjectTeachRequest   = "tutor.teach.request"
	SubjectStoryRequest   = "tutor.story.request"
	SubjectSequenceStart  = "tutor.sequence.start"
	SubjectSequenceStatus = "tutor.sequence.status"
	SubjectPlaybackDone   = "tutor.playback.done"
	SubjectConversation   = "tutor.conversation"
	SubjectNarrationReq   = "tutor.narration.request"
	SubjectNarrationAudio = "tutor.narration.audio"
	SubjectAudioPCM       = "tutor.audio.pcm"
	SubjectAudioPCMDone   = "tutor.audio.pcm.done"
	SubjectAudioEncoded   = "tutor.audio.encoded"
)
