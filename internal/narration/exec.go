package narration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// commandSynth drives an external speech engine. The engine reads one JSON
// request on stdin and writes a stream of JSON objects on stdout, each
// carrying base64 PCM.
type commandSynth struct {
	argv   []string
	voice  string
	format Format
	// one engine process at a time
	mu sync.Mutex
}

type engineRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type engineOutput struct {
	PCM   []byte `json:"pcm_base64"`
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
}

// NewExecSynth parses command with shell quoting rules and environment
// expansion. voice is used when an utterance names none.
func NewExecSynth(command, voice string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse narration command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("narration command empty")
	}
	return &commandSynth{
		argv:   argv,
		voice:  voice,
		format: Format{SampleRate: sampleRate, Channels: channels},
	}, nil
}

func (c *commandSynth) Format() Format { return c.format }

func (c *commandSynth) Speak(ctx context.Context, u Utterance, emit func(Segment) error) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	voice := u.Voice
	if voice == "" {
		voice = c.voice
	}
	input, err := json.Marshal(engineRequest{
		Text:       u.Text,
		Voice:      voice,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
	})
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start narration command: %w", err)
	}
	defer func() {
		// Drain so the engine is not blocked writing when it is reaped.
		_, _ = io.Copy(io.Discard, stdout)
		waitErr := cmd.Wait()
		if err == nil && waitErr != nil {
			err = fmt.Errorf("narration command: %w%s", waitErr, stderrSuffix(stderr.String()))
		}
	}()

	dec := json.NewDecoder(stdout)
	for {
		var out engineOutput
		if err := dec.Decode(&out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode narration output: %w", err)
		}
		if out.Error != "" {
			return fmt.Errorf("narration engine: %s", out.Error)
		}
		if err := emit(Segment{PCM: out.PCM, Final: out.Final}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func stderrSuffix(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return ": " + s
}
