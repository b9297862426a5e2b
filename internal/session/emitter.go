package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
)

const (
	flushTimeout = 5 * time.Second
	// narrationAckGrace covers the round trip on top of the synthesis budget.
	narrationAckGrace = 2 * time.Second
)

// busEmitter publishes one run's output on the bus and mirrors it into the
// conversation log.
type busEmitter struct {
	bus              *bus.Client
	events           *eventstore.Store
	logger           *slog.Logger
	sessionID        string
	runID            string
	voice            string
	narrate          bool
	narrationTimeout time.Duration
	chunks           int
}

func (e *busEmitter) EmitConversation(ctx context.Context, role, text string) error {
	msg := protocol.ConversationMessage{
		SessionID: e.sessionID,
		RunID:     e.runID,
		Role:      role,
		Content:   text,
		Timestamp: time.Now().UTC(),
	}
	if err := e.bus.PublishJSON(protocol.SubjectConversation, msg); err != nil {
		return err
	}
	e.record(ctx, eventstore.Event{Kind: eventstore.KindConversation, Role: role, Text: text})
	return nil
}

// InjectNarration blocks until the narration service acknowledges dispatch.
// The wait follows the narration budget rather than the bus request timeout.
func (e *busEmitter) InjectNarration(ctx context.Context, text string) error {
	if !e.narrate {
		e.record(ctx, eventstore.Event{Kind: eventstore.KindNarration, Text: text})
		return nil
	}
	if e.narrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.narrationTimeout+narrationAckGrace)
		defer cancel()
	}
	var ack protocol.NarrationAck
	req := protocol.NarrationRequest{SessionID: e.sessionID, RunID: e.runID, Text: text, Voice: e.voice}
	if err := e.bus.RequestJSON(ctx, protocol.SubjectNarrationReq, req, &ack); err != nil {
		return fmt.Errorf("inject narration: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("inject narration: %w", errors.New(ack.Error))
	}
	e.record(ctx, eventstore.Event{Kind: eventstore.KindNarration, Text: text})
	return nil
}

func (e *busEmitter) EmitPrecomputedAudio(ctx context.Context, data []byte) error {
	msg := protocol.EncodedAudio{SessionID: e.sessionID, RunID: e.runID, Data: data}
	if err := e.bus.PublishJSON(protocol.SubjectAudioEncoded, msg); err != nil {
		return err
	}
	e.logger.Debug("encoded verse audio published", slog.String("size", humanize.Bytes(uint64(len(data)))))
	e.record(ctx, eventstore.Event{Kind: eventstore.KindEncodedAudio, Payload: sizePayload("bytes", len(data))})
	return nil
}

func (e *busEmitter) EmitPCMChunk(_ context.Context, chunk audio.Chunk) error {
	msg := protocol.PCMChunk{
		SessionID:  e.sessionID,
		RunID:      e.runID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Frames:     chunk.Frames,
		PCM:        chunk.PCM,
	}
	if err := e.bus.PublishJSON(protocol.SubjectAudioPCM, msg); err != nil {
		return err
	}
	e.chunks++
	return nil
}

func (e *busEmitter) EmitPCMStreamEnd(ctx context.Context) error {
	msg := protocol.PCMStreamEnd{SessionID: e.sessionID, RunID: e.runID, Chunks: e.chunks}
	if err := e.bus.PublishJSON(protocol.SubjectAudioPCMDone, msg); err != nil {
		return err
	}
	if err := e.bus.Conn().FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("flush pcm stream: %w", err)
	}
	e.record(ctx, eventstore.Event{Kind: eventstore.KindPCMStream, Payload: sizePayload("chunks", e.chunks)})
	return nil
}

func (e *busEmitter) record(ctx context.Context, evt eventstore.Event) {
	evt.SessionID = e.sessionID
	evt.RunID = e.runID
	if err := e.events.AppendEvent(ctx, evt); err != nil {
		e.logger.Warn("failed to record event", slog.String("kind", evt.Kind), slogError(err))
	}
}

func sizePayload(key string, n int) []byte {
	data, _ := json.Marshal(map[string]int{key: n})
	return data
}
