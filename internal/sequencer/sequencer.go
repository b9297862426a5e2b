// Package sequencer runs one instructional step: preface narration, verse
// playback, playback confirmation and explanation narration, in that order.
//
// A Sequencer is a single-use state machine. Every suspension point (narration
// dispatch, chunk emission, confirmation) is a blocking call or channel receive
// that honours the run context, so the explanation can only be produced after
// the confirmation receive has completed.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	// PrefaceLine is narrated before the verse is played.
	PrefaceLine = "Okay, let me play the verse for you first."
	// DefaultRepeatPrompt closes the explanation unless overridden.
	DefaultRepeatPrompt = "Now, would you like to repeat this line with me?"

	// RoleAssistant is the conversation role of every line the sequencer emits.
	RoleAssistant = "assistant"
)

var (
	// ErrAlreadyRun is returned when Run is called on a used Sequencer.
	ErrAlreadyRun = errors.New("sequencer: already run")
	// ErrConfirmationTimeout is returned when no confirmation arrives in time
	// and the fallback is FallbackFail.
	ErrConfirmationTimeout = errors.New("sequencer: confirmation timeout")
)

// Emitter is the outbound side of a run. Each call blocks until the event is
// handed off; InjectNarration blocks until the narration has been dispatched.
type Emitter interface {
	EmitConversation(ctx context.Context, role, text string) error
	InjectNarration(ctx context.Context, text string) error
	EmitPrecomputedAudio(ctx context.Context, data []byte) error
	EmitPCMChunk(ctx context.Context, chunk audio.Chunk) error
	EmitPCMStreamEnd(ctx context.Context) error
}

// AssetResolver maps a playback reference to a descriptor.
type AssetResolver interface {
	Resolve(ref string) (audio.Descriptor, error)
}

// Fallback selects what happens when the confirmation wait times out.
type Fallback string

const (
	FallbackAdvance Fallback = "advance"
	FallbackFail    Fallback = "fail"
)

// ParseFallback accepts "advance" or "fail"; empty means advance.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackAdvance:
		return FallbackAdvance, nil
	case FallbackFail:
		return FallbackFail, nil
	default:
		return "", fmt.Errorf("unknown confirmation fallback %q", s)
	}
}

// Request carries the step data for one run.
type Request struct {
	// PlaybackRef is the verse audio reference. Empty skips playback and
	// confirmation entirely.
	PlaybackRef  string
	Translation  string
	VersePrompt  string
	RepeatPrompt string
}

// Options tune a run. The zero value waits for confirmation forever.
type Options struct {
	ConfirmTimeout time.Duration
	Fallback       Fallback
	Preface        string
	RepeatPrompt   string
	Logger         *slog.Logger

	// OnTransition, when set, is called synchronously after every state change.
	OnTransition func(from, to State)
}

// Result summarises a finished run.
type Result struct {
	State       State
	Chunks      int
	Opaque      bool
	Confirmed   bool
	TimedOut    bool
	Explanation string
}

// Sequencer drives a single step.
type Sequencer struct {
	resolver AssetResolver
	emitter  Emitter
	confirm  <-chan struct{}
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	used  bool
}

// New returns an idle Sequencer. confirm delivers the client's playback
// confirmation; it is only read when the request carries a playback reference.
func New(resolver AssetResolver, emitter Emitter, confirm <-chan struct{}, opts Options) *Sequencer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Fallback == "" {
		opts.Fallback = FallbackAdvance
	}
	if strings.TrimSpace(opts.Preface) == "" {
		opts.Preface = PrefaceLine
	}
	return &Sequencer{
		resolver: resolver,
		emitter:  emitter,
		confirm:  confirm,
		opts:     opts,
		logger:   logger.With(slog.String("component", "sequencer")),
	}
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the step to completion. On error the Sequencer ends in Failed
// and no explanation has been emitted unless the failure happened while
// narrating it.
func (s *Sequencer) Run(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return Result{State: s.state}, ErrAlreadyRun
	}
	s.used = true
	s.mu.Unlock()

	in := loadInstruments()
	ctx, span := in.tracer.Start(ctx, "sequencer.run")
	defer span.End()
	span.SetAttributes(attribute.Bool("tutor.playback", req.PlaybackRef != ""))

	res, err := s.run(ctx, req, in)
	res.State = s.State()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("sequence failed", slog.String("error", err.Error()))
	}
	if in.runs != nil {
		in.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", res.State.String())))
	}
	return res, err
}

func (s *Sequencer) run(ctx context.Context, req Request, in instruments) (Result, error) {
	var res Result

	s.transition(Prefacing)
	if err := s.say(ctx, s.opts.Preface); err != nil {
		return res, s.fail(fmt.Errorf("preface: %w", err))
	}

	if req.PlaybackRef != "" {
		s.transition(Playing)
		chunks, opaque, err := s.play(ctx, req.PlaybackRef, in)
		res.Chunks, res.Opaque = chunks, opaque
		if err != nil {
			return res, s.fail(fmt.Errorf("playback: %w", err))
		}

		s.transition(AwaitingConfirmation)
		confirmed, err := s.awaitConfirmation(ctx, in)
		res.Confirmed, res.TimedOut = confirmed, !confirmed && err == nil
		if err != nil {
			return res, s.fail(err)
		}
	}

	s.transition(Explaining)
	repeat := req.RepeatPrompt
	if strings.TrimSpace(repeat) == "" {
		repeat = s.opts.RepeatPrompt
	}
	res.Explanation = Explanation(req.Translation, req.VersePrompt, repeat)
	if err := s.say(ctx, res.Explanation); err != nil {
		return res, s.fail(fmt.Errorf("explanation: %w", err))
	}

	s.transition(Done)
	return res, nil
}

// say logs a line to the conversation and narrates it.
func (s *Sequencer) say(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.emitter.EmitConversation(ctx, RoleAssistant, text); err != nil {
		return err
	}
	return s.emitter.InjectNarration(ctx, text)
}

func (s *Sequencer) play(ctx context.Context, ref string, in instruments) (int, bool, error) {
	desc, err := s.resolver.Resolve(ref)
	if err != nil {
		return 0, false, err
	}

	if desc.Deferred {
		data, err := audio.ReadOpaque(desc)
		if err != nil {
			return 0, true, err
		}
		if err := ctx.Err(); err != nil {
			return 0, true, err
		}
		s.logger.Debug("emitting opaque audio", slog.String("path", desc.Path), slog.Int("bytes", len(data)))
		return 0, true, s.emitter.EmitPrecomputedAudio(ctx, data)
	}

	count, err := audio.Stream(ctx, desc, func(chunk audio.Chunk) error {
		return s.emitter.EmitPCMChunk(ctx, chunk)
	})
	if in.chunks != nil && count > 0 {
		in.chunks.Add(ctx, int64(count))
	}
	if err != nil {
		return count, false, err
	}
	s.logger.Debug("pcm stream complete", slog.String("path", desc.Path), slog.Int("chunks", count))
	return count, false, s.emitter.EmitPCMStreamEnd(ctx)
}

// awaitConfirmation blocks until the client confirms, the context ends or the
// timeout fires. It reports whether a confirmation was received.
func (s *Sequencer) awaitConfirmation(ctx context.Context, in instruments) (bool, error) {
	started := time.Now()
	var timeout <-chan time.Time
	if s.opts.ConfirmTimeout > 0 {
		timer := time.NewTimer(s.opts.ConfirmTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	record := func() {
		if in.confirmWait != nil {
			in.confirmWait.Record(ctx, time.Since(started).Seconds())
		}
	}

	select {
	case <-s.confirm:
		record()
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timeout:
		record()
		if s.opts.Fallback == FallbackFail {
			return false, ErrConfirmationTimeout
		}
		s.logger.Warn("playback confirmation timed out, advancing",
			slog.Duration("timeout", s.opts.ConfirmTimeout))
		return false, nil
	}
}

func (s *Sequencer) transition(to State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		panic(fmt.Sprintf("sequencer: invalid transition %s -> %s", from, to))
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug("state transition", slog.String("from", from.String()), slog.String("to", to.String()))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to)
	}
}

func (s *Sequencer) fail(err error) error {
	s.transition(Failed)
	return err
}

// Explanation builds the post-playback narration: an optional verse prompt,
// the English meaning and a repeat prompt.
func Explanation(translation, versePrompt, repeatPrompt string) string {
	meaning := "Meaning in English: " + strings.TrimRight(strings.TrimSpace(translation), ".") + "."
	if vp := strings.TrimSpace(versePrompt); vp != "" {
		meaning = vp + " " + meaning
	}
	repeat := strings.TrimSpace(repeatPrompt)
	if repeat == "" {
		repeat = DefaultRepeatPrompt
	}
	return meaning + " " + repeat
}
