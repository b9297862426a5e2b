package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/audio/audiotest"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/bus/bustest"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/curriculum"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/narration"
	"github.com/loqalabs/loqa-tutor/internal/persona"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc    *Service
	client *bus.Client
	events *eventstore.Store
	msgs   chan *nats.Msg
}

func intp(i int) *int { return &i }

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWith(t, narration.NewMockSynth(16000, 1), nil, mutate)
}

// newHarnessWith narrates through synth and lets busOpt adjust the bus.
func newHarnessWith(t *testing.T, synth narration.Synthesizer, busOpt func(*config.BusConfig), mutate func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var busOpts []func(*config.BusConfig)
	if busOpt != nil {
		busOpts = append(busOpts, busOpt)
	}
	client := bustest.Connect(t, busOpts...)

	dir := t.TempDir()
	audiotest.WriteStreamable(t, filepath.Join(dir, "doha_1.wav"), 40000)
	audiotest.WritePCM(t, filepath.Join(dir, "stereo.wav"), 16000, 2, 16, 100)
	store, err := curriculum.NewStore("Test Chalisa", []curriculum.Step{
		{Title: "Doha 1", Verse: "Shri Guru charan saroj raj", Translation: "First meaning.", Playback: "doha_1.wav"},
		{Title: "Doha 2", Verse: "Buddhi heen tanu janike", Translation: "Second meaning."},
		{Title: "Chaupai 1", Verse: "Jai Hanuman gyan gun sagar", Translation: "Third meaning.", Playback: "stereo.wav"},
	})
	require.NoError(t, err)
	library := curriculum.NewLibrary(map[persona.Persona]*curriculum.Store{persona.Hanuman: store})

	resolver, err := audio.NewResolver(dir, logger)
	require.NoError(t, err)

	events, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	narrationCfg := config.Default().Narration
	narrator := narration.NewService(context.Background(), narrationCfg, client, synth, logger)
	require.NoError(t, narrator.Start())
	t.Cleanup(narrator.Close)

	defaults := config.Default()
	cfg := Config{
		Teaching:         defaults.Teaching,
		Sequencer:        defaults.Sequencer,
		DefaultPersona:   "hanuman",
		Voice:            narrationCfg.Voice,
		Narrate:          true,
		NarrationTimeout: time.Duration(narrationCfg.TimeoutMS) * time.Millisecond,
	}
	cfg.Sequencer.ConfirmTimeoutMS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	msgs := make(chan *nats.Msg, 1024)
	sub, err := client.Conn().ChanSubscribe("tutor.>", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	svc, err := NewService(context.Background(), cfg, Deps{Bus: client, Library: library, Resolver: resolver, Events: events}, logger)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())

	return &harness{svc: svc, client: client, events: events, msgs: msgs}
}

func (h *harness) teach(t *testing.T, req protocol.TeachRequest) protocol.TeachResponse {
	t.Helper()
	var resp protocol.TeachResponse
	require.NoError(t, h.client.RequestJSON(context.Background(), protocol.SubjectTeachRequest, req, &resp))
	return resp
}

func (h *harness) start(t *testing.T, req protocol.SequenceRequest) protocol.SequenceStatus {
	t.Helper()
	var status protocol.SequenceStatus
	require.NoError(t, h.client.RequestJSON(context.Background(), protocol.SubjectSequenceStart, req, &status))
	return status
}

// collectUntil reads bus traffic until stop matches a sequence status of runID.
func (h *harness) collectUntil(t *testing.T, runID string, stop func(protocol.SequenceStatus) bool) []*nats.Msg {
	t.Helper()
	deadline := time.After(10 * time.Second)
	var seen []*nats.Msg
	for {
		select {
		case msg := <-h.msgs:
			seen = append(seen, msg)
			if msg.Subject != protocol.SubjectSequenceStatus {
				continue
			}
			var status protocol.SequenceStatus
			require.NoError(t, json.Unmarshal(msg.Data, &status))
			if status.RunID == runID && stop(status) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for run %s", runID)
		}
	}
}

func stateIs(state string) func(protocol.SequenceStatus) bool {
	return func(s protocol.SequenceStatus) bool { return s.State == state }
}

func conversation(t *testing.T, msgs []*nats.Msg) []string {
	t.Helper()
	var lines []string
	for _, msg := range msgs {
		if msg.Subject != protocol.SubjectConversation {
			continue
		}
		var line protocol.ConversationMessage
		require.NoError(t, json.Unmarshal(msg.Data, &line))
		lines = append(lines, line.Content)
	}
	return lines
}

func count(msgs []*nats.Msg, subject string) int {
	n := 0
	for _, msg := range msgs {
		if msg.Subject == subject {
			n++
		}
	}
	return n
}

func lastStatus(t *testing.T, msgs []*nats.Msg) protocol.SequenceStatus {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Subject == protocol.SubjectSequenceStatus {
			var status protocol.SequenceStatus
			require.NoError(t, json.Unmarshal(msgs[i].Data, &status))
			return status
		}
	}
	t.Fatal("no status observed")
	return protocol.SequenceStatus{}
}

func TestTeachAdvancesCursor(t *testing.T) {
	h := newHarness(t, nil)

	first := h.teach(t, protocol.TeachRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(0)})
	require.Empty(t, first.Error)
	require.Equal(t, 0, first.Index)
	require.Equal(t, 3, first.Total)
	require.Equal(t, 1, *first.NextStepIndex)
	require.True(t, strings.HasPrefix(first.NarrationText, "Doha 1\nShri Guru charan saroj raj"))

	second := h.teach(t, protocol.TeachRequest{SessionID: "s1", Persona: "Hanuman"})
	require.Equal(t, 1, second.Index)

	third := h.teach(t, protocol.TeachRequest{SessionID: "s1"})
	require.Equal(t, 2, third.Index)
	require.Nil(t, third.NextStepIndex)

	again := h.teach(t, protocol.TeachRequest{SessionID: "s1"})
	require.Equal(t, 0, again.Index, "cursor restarts after the last step")

	events, err := h.events.ListSessionEvents(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, eventstore.KindLesson, events[0].Kind)
}

func TestTeachErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.teach(t, protocol.TeachRequest{SessionID: "s1", Persona: "ganesha", StepIndex: intp(0)})
	require.Equal(t, protocol.ErrCodeUnsupportedPersona, resp.Error)

	resp = h.teach(t, protocol.TeachRequest{SessionID: "s1", Persona: "zeus"})
	require.Equal(t, protocol.ErrCodeUnknownPersona, resp.Error)

	resp = h.teach(t, protocol.TeachRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(9)})
	require.Equal(t, protocol.ErrCodeIndexOutOfRange, resp.Error)
	require.NotEmpty(t, resp.Message)
}

func TestTeachClampsWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Teaching.ClampIndex = true })
	resp := h.teach(t, protocol.TeachRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(-4)})
	require.Empty(t, resp.Error)
	require.Equal(t, 0, resp.Index)
}

func TestStoryRequest(t *testing.T) {
	h := newHarness(t, nil)

	var resp protocol.StoryResponse
	require.NoError(t, h.client.RequestJSON(context.Background(), protocol.SubjectStoryRequest,
		protocol.StoryRequest{SessionID: "s1", Persona: "krishna"}, &resp))
	require.Empty(t, resp.Error)
	require.Equal(t, "Butter Thief", resp.Topic)
	require.NotEmpty(t, resp.Story)
	require.Contains(t, resp.AvailableTopics, "Govardhan Hill")

	require.NoError(t, h.client.RequestJSON(context.Background(), protocol.SubjectStoryRequest,
		protocol.StoryRequest{SessionID: "s1", Persona: "krishna", Topic: "Chess"}, &resp))
	require.Equal(t, protocol.ErrCodeUnknownTopic, resp.Error)
	require.Contains(t, resp.AvailableTopics, "Butter Thief")
}

func TestSequenceWaitsForConfirmation(t *testing.T) {
	h := newHarness(t, nil)

	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(0)})
	require.Empty(t, status.Error)
	require.NotEmpty(t, status.RunID)

	before := h.collectUntil(t, status.RunID, stateIs("awaiting_confirmation"))
	require.Equal(t, []string{"Okay, let me play the verse for you first."}, conversation(t, before))
	require.Equal(t, 3, count(before, protocol.SubjectAudioPCM))
	require.Equal(t, 1, count(before, protocol.SubjectAudioPCMDone))
	require.True(t, h.svc.Active("s1"))

	require.NoError(t, h.client.PublishJSON(protocol.SubjectPlaybackDone, protocol.PlaybackDone{SessionID: "s1", RunID: status.RunID}))

	after := h.collectUntil(t, status.RunID, stateIs("done"))
	lines := conversation(t, after)
	require.Len(t, lines, 1)
	require.Equal(t, "Meaning in English: First meaning. Now, would you like to repeat this line with me?", lines[0])
	final := lastStatus(t, after)
	require.Equal(t, 3, final.Chunks)
	require.Empty(t, final.Error)

	require.Eventually(t, func() bool { return !h.svc.Active("s1") }, 2*time.Second, 10*time.Millisecond)

	events, err := h.events.ListRunEvents(context.Background(), status.RunID, 100)
	require.NoError(t, err)
	var kinds []string
	for _, evt := range events {
		if evt.Kind != eventstore.KindStatus {
			kinds = append(kinds, evt.Kind)
		}
	}
	require.Equal(t, []string{
		eventstore.KindConversation, eventstore.KindNarration,
		eventstore.KindPCMStream,
		eventstore.KindConfirmation,
		eventstore.KindConversation, eventstore.KindNarration,
	}, kinds)

	next := h.teach(t, protocol.TeachRequest{SessionID: "s1"})
	require.Equal(t, 1, next.Index, "a finished sequence advances the cursor")
}

func TestSequenceWithoutPlaybackExplainsDirectly(t *testing.T) {
	h := newHarness(t, nil)
	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(1), VersePrompt: "Listen."})
	require.Empty(t, status.Error)

	seen := h.collectUntil(t, status.RunID, stateIs("done"))
	require.Equal(t, []string{
		"Okay, let me play the verse for you first.",
		"Listen. Meaning in English: Second meaning. Now, would you like to repeat this line with me?",
	}, conversation(t, seen))
	require.Zero(t, count(seen, protocol.SubjectAudioPCM))
}

func TestSequenceRejectsOverlappingRun(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(0)})
	h.collectUntil(t, first.RunID, stateIs("awaiting_confirmation"))

	second := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(1)})
	require.Equal(t, protocol.ErrCodeSequenceInProgress, second.Error)
	require.Equal(t, first.RunID, second.RunID)

	other := h.start(t, protocol.SequenceRequest{SessionID: "s2", Persona: "hanuman", StepIndex: intp(1)})
	require.Empty(t, other.Error)

	require.False(t, h.svc.Confirm(protocol.PlaybackDone{SessionID: "s1", RunID: "someone-else"}))
	require.True(t, h.svc.Confirm(protocol.PlaybackDone{SessionID: "s1"}))
	h.collectUntil(t, first.RunID, stateIs("done"))
}

func TestSequenceUnsupportedAssetFails(t *testing.T) {
	h := newHarness(t, nil)
	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(2)})
	require.Empty(t, status.Error)

	seen := h.collectUntil(t, status.RunID, stateIs("failed"))
	final := lastStatus(t, seen)
	require.Equal(t, protocol.ErrCodeUnsupportedFormat, final.Error)
	require.Contains(t, final.Message, "2 channels")
	require.Equal(t, []string{"Okay, let me play the verse for you first."}, conversation(t, seen))
}

func TestSequenceConfirmationTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Sequencer.ConfirmTimeoutMS = 50
		c.Sequencer.Fallback = "fail"
	})
	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(0)})
	seen := h.collectUntil(t, status.RunID, stateIs("failed"))
	require.Equal(t, protocol.ErrCodeConfirmTimeout, lastStatus(t, seen).Error)
}

func TestSequenceRequestValidation(t *testing.T) {
	h := newHarness(t, nil)
	status := h.start(t, protocol.SequenceRequest{Persona: "hanuman"})
	require.Equal(t, protocol.ErrCodeBadRequest, status.Error)

	status = h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "krishna"})
	require.Equal(t, protocol.ErrCodeUnsupportedPersona, status.Error)

	status = h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(7)})
	require.Equal(t, protocol.ErrCodeIndexOutOfRange, status.Error)
	require.False(t, h.svc.Active("s1"))
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, "", ErrorCode(nil))
	require.Equal(t, protocol.ErrCodeReadError, ErrorCode(&audio.ReadError{Path: "x", Err: io.ErrUnexpectedEOF}))
	require.Equal(t, protocol.ErrCodeUnsupportedFormat, ErrorCode(&audio.FormatError{Path: "x", Reason: "y"}))
	require.Equal(t, protocol.ErrCodeNoStories, ErrorCode(persona.ErrNoStories))
	require.Equal(t, protocol.ErrCodeUnknownTopic, ErrorCode(persona.ErrUnknownTopic))
	require.Equal(t, protocol.ErrCodeInternal, ErrorCode(io.EOF))
}

// gatedSynth holds every utterance until release is closed.
type gatedSynth struct {
	release chan struct{}
}

func (g *gatedSynth) Format() narration.Format { return narration.Format{SampleRate: 16000, Channels: 1} }

func (g *gatedSynth) Speak(ctx context.Context, _ narration.Utterance, emit func(narration.Segment) error) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return emit(narration.Segment{PCM: make([]byte, 320), Final: true})
}

// slowSynth takes delay to speak each utterance.
type slowSynth struct {
	delay time.Duration
}

func (s slowSynth) Format() narration.Format { return narration.Format{SampleRate: 16000, Channels: 1} }

func (s slowSynth) Speak(ctx context.Context, _ narration.Utterance, emit func(narration.Segment) error) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return emit(narration.Segment{PCM: make([]byte, 320), Final: true})
}

func TestSequenceDropsConfirmationBeforePlayback(t *testing.T) {
	synth := &gatedSynth{release: make(chan struct{})}
	h := newHarnessWith(t, synth, nil, nil)

	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(0)})
	require.Empty(t, status.Error)
	h.collectUntil(t, status.RunID, stateIs("prefacing"))

	require.False(t, h.svc.Confirm(protocol.PlaybackDone{SessionID: "s1", RunID: status.RunID}),
		"a confirmation during the preface is not for this verse")
	close(synth.release)

	h.collectUntil(t, status.RunID, stateIs("awaiting_confirmation"))
	select {
	case msg := <-h.msgs:
		if msg.Subject == protocol.SubjectSequenceStatus {
			var s protocol.SequenceStatus
			require.NoError(t, json.Unmarshal(msg.Data, &s))
			require.NotEqual(t, "explaining", s.State)
			require.NotEqual(t, "done", s.State)
		}
	case <-time.After(200 * time.Millisecond):
	}
	require.True(t, h.svc.Active("s1"))

	require.True(t, h.svc.Confirm(protocol.PlaybackDone{SessionID: "s1", RunID: status.RunID}))
	final := lastStatus(t, h.collectUntil(t, status.RunID, stateIs("done")))
	require.False(t, final.TimedOut)
	require.Empty(t, final.Error)

	events, err := h.events.ListRunEvents(context.Background(), status.RunID, 100)
	require.NoError(t, err)
	confirmations := 0
	for _, evt := range events {
		if evt.Kind == eventstore.KindConfirmation {
			confirmations++
		}
	}
	require.Equal(t, 1, confirmations)
}

func TestSequenceNarrationOutlastsBusRequestTimeout(t *testing.T) {
	h := newHarnessWith(t, slowSynth{delay: 500 * time.Millisecond},
		func(c *config.BusConfig) { c.RequestTimeout = 200 },
		func(c *Config) { c.NarrationTimeout = 5 * time.Second })

	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(1)})
	require.Empty(t, status.Error)

	final := lastStatus(t, h.collectUntil(t, status.RunID, func(s protocol.SequenceStatus) bool {
		return s.State == "done" || s.State == "failed"
	}))
	require.Equal(t, "done", final.State)
	require.Empty(t, final.Error)
}

func TestSequenceClampsWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Teaching.ClampIndex = true })

	status := h.start(t, protocol.SequenceRequest{SessionID: "s1", Persona: "hanuman", StepIndex: intp(7)})
	require.Empty(t, status.Error)
	require.Equal(t, 0, status.StepIndex)
	h.collectUntil(t, status.RunID, stateIs("awaiting_confirmation"))

	status = h.start(t, protocol.SequenceRequest{SessionID: "s2", Persona: "hanuman", StepIndex: intp(-1)})
	require.Empty(t, status.Error)
	require.Equal(t, 0, status.StepIndex)
}

func TestHealthyAcrossClose(t *testing.T) {
	h := newHarness(t, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				h.svc.Healthy()
			}
		}
	}()
	h.svc.Close()
	close(stop)
	<-done

	require.False(t, h.svc.Healthy())
}
