package narration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Service struct {
	cfg    config.NarrationConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.NarrationConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "narration-service")),
	}
}

// NewSynthesizer builds the synthesizer selected by cfg.Mode.
func NewSynthesizer(cfg config.NarrationConfig) (Synthesizer, error) {
	if cfg.Mode == "exec" {
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	}
	return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectNarrationReq, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.NarrationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode narration request", slogError(err))
		_ = bus.RespondJSON(msg, protocol.NarrationAck{Error: "invalid narration request"})
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ack := s.narrate(req)
		if msg.Reply == "" {
			return
		}
		if err := bus.RespondJSON(msg, ack); err != nil {
			s.logger.Warn("failed to ack narration", slogError(err))
		}
	}()
}

// narrate synthesizes req and publishes every segment before returning.
func (s *Service) narrate(req protocol.NarrationRequest) protocol.NarrationAck {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	format := s.synth.Format()
	ack := protocol.NarrationAck{SessionID: req.SessionID}
	err := s.synth.Speak(ctx, Utterance{Text: req.Text, Voice: req.Voice}, func(seg Segment) error {
		packet := protocol.AudioChunk{
			SessionID:  req.SessionID,
			RunID:      req.RunID,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Sequence:   ack.Chunks,
			PCM:        seg.PCM,
			Final:      seg.Final,
		}
		if err := s.bus.PublishJSON(protocol.SubjectNarrationAudio, packet); err != nil {
			return err
		}
		ack.Chunks++
		return nil
	})
	if err != nil {
		s.logger.Warn("narration failed",
			slog.String("session_id", req.SessionID),
			slog.Int("chunks", ack.Chunks),
			slogError(err))
		ack.Error = err.Error()
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.logger.Warn("failed to flush narration audio", slogError(err))
	}
	s.logger.Debug("narration dispatched",
		slog.String("session_id", req.SessionID),
		slog.Int("chunks", ack.Chunks))
	return ack
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
