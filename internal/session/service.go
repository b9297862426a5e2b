// Package session serves tutoring sessions over the bus: lessons, stories and
// verse playback sequences, one active sequence per session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/curriculum"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/persona"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/sequencer"
	"github.com/nats-io/nats.go"
	"github.com/patrickmn/go-cache"
)

// Config selects the parts of the runtime configuration the service uses.
type Config struct {
	Teaching       config.TeachingConfig
	Sequencer      config.SequencerConfig
	DefaultPersona string
	Voice          string
	Narrate        bool
	// NarrationTimeout bounds the wait for a narration ack. Zero falls back
	// to the bus request timeout.
	NarrationTimeout time.Duration
}

// Deps are the collaborators the service drives.
type Deps struct {
	Bus      *bus.Client
	Library  *curriculum.Library
	Resolver sequencer.AssetResolver
	Events   *eventstore.Store
}

type Service struct {
	cfg      Config
	bus      *bus.Client
	library  *curriculum.Library
	resolver sequencer.AssetResolver
	events   *eventstore.Store
	seqOpts  sequencer.Options
	cursors  *cache.Cache
	logger   *slog.Logger
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	runs     map[string]*activeRun
}

// activeRun is the single sequence a session may have in flight.
type activeRun struct {
	id      string
	step    int
	confirm chan struct{}
	seq     *sequencer.Sequencer
}

func NewService(parent context.Context, cfg Config, deps Deps, logger *slog.Logger) (*Service, error) {
	fallback, err := sequencer.ParseFallback(cfg.Sequencer.Fallback)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.Teaching.CursorTTLMS) * time.Millisecond
	cleanup := 10 * time.Minute
	if ttl <= 0 {
		ttl = cache.NoExpiration
	} else if ttl < cleanup {
		cleanup = ttl
	}

	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "session"))
	return &Service{
		cfg:      cfg,
		bus:      deps.Bus,
		library:  deps.Library,
		resolver: deps.Resolver,
		events:   deps.Events,
		seqOpts: sequencer.Options{
			ConfirmTimeout: time.Duration(cfg.Sequencer.ConfirmTimeoutMS) * time.Millisecond,
			Fallback:       fallback,
			Preface:        cfg.Sequencer.Preface,
			RepeatPrompt:   cfg.Sequencer.RepeatPrompt,
			Logger:         logger,
		},
		cursors: cache.New(ttl, cleanup),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*activeRun),
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Teaching.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectTeachRequest, s.handleTeach},
		{protocol.SubjectStoryRequest, s.handleStory},
		{protocol.SubjectSequenceStart, s.handleSequenceStart},
		{protocol.SubjectPlaybackDone, s.handlePlaybackDone},
	}
	subs := make([]*nats.Subscription, 0, len(handlers))
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			for _, sub := range subs {
				_ = sub.Drain()
			}
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		subs = append(subs, sub)
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	if !s.cfg.Teaching.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 4
}

// Active reports whether sessionID has a sequence in flight.
func (s *Service) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

func (s *Service) parsePersona(key string) (persona.Persona, error) {
	if strings.TrimSpace(key) == "" {
		key = s.cfg.DefaultPersona
	}
	return persona.Parse(key)
}

// stepIndex returns the requested index, or the session's remembered one.
func (s *Service) stepIndex(sessionID string, requested *int) int {
	if requested != nil {
		return *requested
	}
	if v, ok := s.cursors.Get(sessionID); ok {
		return v.(int)
	}
	return 0
}

// advanceCursor remembers where the session continues. After the last step
// the cursor is dropped so the next lesson starts over.
func (s *Service) advanceCursor(sessionID string, next *int) {
	if sessionID == "" {
		return
	}
	if next == nil {
		s.cursors.Delete(sessionID)
		return
	}
	s.cursors.SetDefault(sessionID, *next)
}

func (s *Service) handleTeach(msg *nats.Msg) {
	var req protocol.TeachRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode teach request", slogError(err))
		s.respond(msg, protocol.TeachResponse{Error: protocol.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	s.respond(msg, s.Teach(s.ctx, req))
}

// Teach renders a lesson for req and advances the session cursor.
func (s *Service) Teach(ctx context.Context, req protocol.TeachRequest) protocol.TeachResponse {
	resp := protocol.TeachResponse{SessionID: req.SessionID}
	p, err := s.parsePersona(req.Persona)
	if err != nil {
		return withError(resp, err)
	}
	lang := curriculum.Language(req.Language)
	if lang == "" {
		lang = curriculum.Language(s.cfg.Teaching.Language)
	}
	index := s.stepIndex(req.SessionID, req.StepIndex)
	lesson, err := s.library.Teach(p, index, curriculum.TeachOptions{Clamp: s.cfg.Teaching.ClampIndex, Language: lang})
	if err != nil {
		s.logger.Info("teach rejected", slog.String("session_id", req.SessionID), slogError(err))
		resp.Persona = p.String()
		return withError(resp, err)
	}
	s.advanceCursor(req.SessionID, lesson.NextStepIndex)

	if req.SessionID != "" {
		if err := s.events.AppendSession(ctx, req.SessionID, p.String()); err != nil {
			s.logger.Warn("failed to record session", slogError(err))
		}
		s.record(ctx, eventstore.Event{SessionID: req.SessionID, Kind: eventstore.KindLesson, Text: lesson.NarrationText})
	}

	resp.Persona = p.String()
	resp.Index = lesson.Index
	resp.Total = lesson.Total
	resp.Title = lesson.Title
	resp.NarrationText = lesson.NarrationText
	resp.NextStepIndex = lesson.NextStepIndex
	return resp
}

func (s *Service) handleStory(msg *nats.Msg) {
	var req protocol.StoryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode story request", slogError(err))
		s.respond(msg, protocol.StoryResponse{Error: protocol.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	resp := protocol.StoryResponse{SessionID: req.SessionID}
	p, err := s.parsePersona(req.Persona)
	if err != nil {
		resp.Error, resp.Message = ErrorCode(err), err.Error()
		s.respond(msg, resp)
		return
	}
	resp.Persona = p.String()
	telling, err := persona.TellStory(p, req.Topic)
	if err != nil {
		resp.Error, resp.Message = ErrorCode(err), err.Error()
		resp.AvailableTopics = persona.Topics(p)
		s.respond(msg, resp)
		return
	}
	resp.Topic = telling.Topic
	resp.Story = telling.Story
	resp.AvailableTopics = telling.AvailableTopics
	if req.SessionID != "" {
		s.record(s.ctx, eventstore.Event{SessionID: req.SessionID, Kind: eventstore.KindStory, Role: "assistant", Text: telling.Story})
	}
	s.respond(msg, resp)
}

func (s *Service) handleSequenceStart(msg *nats.Msg) {
	var req protocol.SequenceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode sequence request", slogError(err))
		s.respond(msg, protocol.SequenceStatus{Error: protocol.ErrCodeBadRequest, Message: err.Error(), Timestamp: time.Now().UTC()})
		return
	}
	status, err := s.StartSequence(req)
	if err != nil {
		status.Error, status.Message = ErrorCode(err), err.Error()
		s.publishStatus(status)
	}
	s.respond(msg, status)
}

// StartSequence validates req, registers the run and starts it in the
// background. The returned status carries the run id.
func (s *Service) StartSequence(req protocol.SequenceRequest) (protocol.SequenceStatus, error) {
	status := protocol.SequenceStatus{SessionID: req.SessionID, State: sequencer.Idle.String(), Timestamp: time.Now().UTC()}
	if req.SessionID == "" {
		return status, fmt.Errorf("%w: session_id required", errBadRequest)
	}
	p, err := s.parsePersona(req.Persona)
	if err != nil {
		return status, err
	}
	store, err := s.library.Curriculum(p)
	if err != nil {
		return status, err
	}
	index := s.stepIndex(req.SessionID, req.StepIndex)
	if s.cfg.Teaching.ClampIndex && (index < 0 || index >= store.Count()) {
		index = 0
	}
	status.StepIndex = index
	step, err := store.Get(index)
	if err != nil {
		return status, err
	}

	run := &activeRun{id: uuid.NewString(), step: index, confirm: make(chan struct{}, 1)}
	s.mu.Lock()
	if existing, busy := s.runs[req.SessionID]; busy {
		s.mu.Unlock()
		status.RunID = existing.id
		return status, ErrSequenceInProgress
	}
	s.runs[req.SessionID] = run
	s.mu.Unlock()
	status.RunID = run.id

	if err := s.events.AppendSession(s.ctx, req.SessionID, p.String()); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}

	seqReq := sequencer.Request{
		PlaybackRef:  step.Playback,
		Translation:  step.Translation,
		VersePrompt:  req.VersePrompt,
		RepeatPrompt: req.RepeatPrompt,
	}
	var next *int
	if n, ok := store.NextIndex(index); ok {
		next = &n
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(req.SessionID, run, seqReq, next)
	}()
	return status, nil
}

func (s *Service) run(sessionID string, run *activeRun, req sequencer.Request, next *int) {
	defer func() {
		s.mu.Lock()
		if s.runs[sessionID] == run {
			delete(s.runs, sessionID)
		}
		s.mu.Unlock()
	}()

	logger := s.logger.With(slog.String("session_id", sessionID), slog.String("run_id", run.id))
	emitter := &busEmitter{
		bus:              s.bus,
		events:           s.events,
		logger:           logger,
		sessionID:        sessionID,
		runID:            run.id,
		voice:            s.cfg.Voice,
		narrate:          s.cfg.Narrate,
		narrationTimeout: s.cfg.NarrationTimeout,
	}
	opts := s.seqOpts
	opts.Logger = logger
	opts.OnTransition = func(_, to sequencer.State) {
		if to.Terminal() {
			return
		}
		s.publishStatus(protocol.SequenceStatus{
			SessionID: sessionID,
			RunID:     run.id,
			StepIndex: run.step,
			State:     to.String(),
			Timestamp: time.Now().UTC(),
		})
	}

	logger.Info("sequence started", slog.Int("step", run.step), slog.Bool("playback", req.PlaybackRef != ""))
	seq := sequencer.New(s.resolver, emitter, run.confirm, opts)
	s.mu.Lock()
	run.seq = seq
	s.mu.Unlock()
	res, err := seq.Run(s.ctx, req)

	final := protocol.SequenceStatus{
		SessionID: sessionID,
		RunID:     run.id,
		StepIndex: run.step,
		State:     res.State.String(),
		Chunks:    res.Chunks,
		TimedOut:  res.TimedOut,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		final.Error, final.Message = ErrorCode(err), err.Error()
		logger.Warn("sequence failed", slogError(err))
	} else {
		s.advanceCursor(sessionID, next)
		logger.Info("sequence finished", slog.Int("chunks", res.Chunks), slog.Bool("timed_out", res.TimedOut))
	}
	s.publishStatus(final)
}

func (s *Service) handlePlaybackDone(msg *nats.Msg) {
	var done protocol.PlaybackDone
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		s.logger.Warn("failed to decode playback confirmation", slogError(err))
		return
	}
	s.Confirm(done)
}

// Confirm hands a playback confirmation to the session's active run. It
// reports whether a run accepted it. Confirmations naming another run, or
// arriving before the run has started playing its verse, are dropped.
func (s *Service) Confirm(done protocol.PlaybackDone) bool {
	s.mu.Lock()
	run := s.runs[done.SessionID]
	var seq *sequencer.Sequencer
	if run != nil {
		seq = run.seq
	}
	s.mu.Unlock()
	if run == nil || (done.RunID != "" && done.RunID != run.id) {
		s.logger.Debug("playback confirmation without matching run",
			slog.String("session_id", done.SessionID), slog.String("run_id", done.RunID))
		return false
	}
	if !awaitsPlayback(seq) {
		s.logger.Debug("playback confirmation before playback dropped",
			slog.String("session_id", done.SessionID), slog.String("run_id", run.id))
		return false
	}
	s.record(s.ctx, eventstore.Event{SessionID: done.SessionID, RunID: run.id, Kind: eventstore.KindConfirmation})
	select {
	case run.confirm <- struct{}{}:
	default:
		// already confirmed
	}
	return true
}

// awaitsPlayback reports whether seq is playing or waiting for the client to
// finish playing.
func awaitsPlayback(seq *sequencer.Sequencer) bool {
	if seq == nil {
		return false
	}
	state := seq.State()
	return state == sequencer.Playing || state == sequencer.AwaitingConfirmation
}

func (s *Service) publishStatus(status protocol.SequenceStatus) {
	if err := s.bus.PublishJSON(protocol.SubjectSequenceStatus, status); err != nil {
		s.logger.Warn("failed to publish sequence status", slogError(err))
	}
	if status.SessionID == "" {
		return
	}
	payload, _ := json.Marshal(status)
	s.record(s.ctx, eventstore.Event{
		SessionID: status.SessionID,
		RunID:     status.RunID,
		Kind:      eventstore.KindStatus,
		Text:      status.State,
		Payload:   payload,
	})
}

func (s *Service) record(ctx context.Context, evt eventstore.Event) {
	if err := s.events.AppendEvent(ctx, evt); err != nil {
		s.logger.Warn("failed to record event", slog.String("kind", evt.Kind), slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	if err := bus.RespondJSON(msg, v); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func withError(resp protocol.TeachResponse, err error) protocol.TeachResponse {
	resp.Error = ErrorCode(err)
	resp.Message = err.Error()
	return resp
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
