package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/sequencer"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

type playOptions struct {
	server  string
	session string
	persona string
	step    int
	timeout time.Duration
	confirm bool
}

func newPlayCmd() *cobra.Command {
	var opts playOptions
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run one verse sequence against a running tutor and confirm playback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlay(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "nats://127.0.0.1:4222", "NATS server URL")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session id (random when empty)")
	cmd.Flags().StringVar(&opts.persona, "persona", "", "Persona (tutor default when empty)")
	cmd.Flags().IntVar(&opts.step, "step", -1, "Step index (session cursor when negative)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Give up after this long")
	cmd.Flags().BoolVar(&opts.confirm, "confirm", true, "Confirm playback once the verse audio arrives")
	return cmd
}

func runPlay(ctx context.Context, out io.Writer, opts playOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client, err := bus.Connect(ctx, config.BusConfig{
		Servers:        []string{opts.server},
		ConnectTimeout: 2000,
		RequestTimeout: 10000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 256)
	sub, err := client.Conn().ChanSubscribe("tutor.>", msgs)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	sessionID := opts.session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	req := protocol.SequenceRequest{SessionID: sessionID, Persona: opts.persona}
	if opts.step >= 0 {
		req.StepIndex = &opts.step
	}
	var started protocol.SequenceStatus
	if err := client.RequestJSON(ctx, protocol.SubjectSequenceStart, req, &started); err != nil {
		return err
	}
	if started.Error != "" {
		return fmt.Errorf("%s: %s", started.Error, started.Message)
	}
	fmt.Fprintf(out, "session %s run %s step %d\n", sessionID, started.RunID, started.StepIndex)

	confirm := func() error {
		if !opts.confirm {
			return nil
		}
		fmt.Fprintln(out, "confirming playback")
		return client.PublishJSON(protocol.SubjectPlaybackDone, protocol.PlaybackDone{SessionID: sessionID, RunID: started.RunID})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			done, err := handlePlayMsg(out, msg, started.RunID, confirm)
			if err != nil || done {
				return err
			}
		}
	}
}

// handlePlayMsg prints one bus message belonging to runID and reports whether
// the run has ended.
func handlePlayMsg(out io.Writer, msg *nats.Msg, runID string, confirm func() error) (bool, error) {
	switch msg.Subject {
	case protocol.SubjectConversation:
		var m protocol.ConversationMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.RunID != runID {
			return false, nil
		}
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	case protocol.SubjectAudioPCMDone:
		var m protocol.PCMStreamEnd
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.RunID != runID {
			return false, nil
		}
		fmt.Fprintf(out, "verse audio: %d chunks\n", m.Chunks)
		return false, confirm()
	case protocol.SubjectAudioEncoded:
		var m protocol.EncodedAudio
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.RunID != runID {
			return false, nil
		}
		fmt.Fprintf(out, "verse audio: %d encoded bytes\n", len(m.Data))
		return false, confirm()
	case protocol.SubjectSequenceStatus:
		var m protocol.SequenceStatus
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.RunID != runID {
			return false, nil
		}
		switch m.State {
		case sequencer.Done.String():
			fmt.Fprintf(out, "done (timed out: %t)\n", m.TimedOut)
			return true, nil
		case sequencer.Failed.String():
			return true, errors.New(m.Error + ": " + m.Message)
		}
	}
	return false, nil
}
