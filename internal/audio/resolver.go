// Package audio resolves recorded verse assets and slices PCM WAV data into
// one-second chunks for streaming.
//
// Only mono, 16-bit, 16 kHz uncompressed WAV is streamed. Other containers are
// treated as opaque: their bytes are handed to the client to decode.
package audio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-audio/wav"
)

// Container classifies an asset by file extension.
type Container string

const (
	ContainerWAV   Container = "wav"
	ContainerMP3   Container = "mp3"
	ContainerOther Container = "other"
)

// Streaming format constraints.
const (
	StreamSampleRate    = 16000
	StreamChannels      = 1
	StreamBitsPerSample = 16

	// wavFormatPCM is the WAVE format tag for uncompressed integer PCM.
	wavFormatPCM = 1
)

// Descriptor describes a resolved asset. It is built per request and never cached.
type Descriptor struct {
	Path      string
	Container Container
	Size      int64

	// WAV header fields; zero for other containers.
	SampleRate    int
	Channels      int
	BitsPerSample int
	FormatTag     uint16

	// Deferred marks opaque assets whose decoding is left to the playback client.
	Deferred bool
}

// Compressed reports whether the WAV data is anything other than integer PCM.
func (d Descriptor) Compressed() bool {
	return d.FormatTag != wavFormatPCM
}

// Streamable reports whether the asset satisfies the streaming constraints.
func (d Descriptor) Streamable() bool {
	return d.Container == ContainerWAV && formatReason(d) == ""
}

// FrameSize is the byte size of one sample frame across all channels.
func (d Descriptor) FrameSize() int {
	return d.Channels * d.BitsPerSample / 8
}

func formatReason(d Descriptor) string {
	var reasons []string
	if d.Compressed() {
		reasons = append(reasons, fmt.Sprintf("format tag %d is compressed, PCM required", d.FormatTag))
	}
	if d.Channels != StreamChannels {
		reasons = append(reasons, fmt.Sprintf("%d channels, mono required", d.Channels))
	}
	if d.BitsPerSample != StreamBitsPerSample {
		reasons = append(reasons, fmt.Sprintf("%d bits per sample, 16 required", d.BitsPerSample))
	}
	if d.SampleRate != StreamSampleRate {
		reasons = append(reasons, fmt.Sprintf("%d Hz, 16000 Hz required", d.SampleRate))
	}
	return strings.Join(reasons, "; ")
}

// Resolver turns playback references into descriptors relative to a base directory.
type Resolver struct {
	baseDir string
	logger  *slog.Logger
}

// NewResolver returns a resolver rooted at baseDir. A relative baseDir is made
// absolute against the working directory once, here.
func NewResolver(baseDir string, logger *slog.Logger) (*Resolver, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve audio base dir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{baseDir: abs, logger: logger.With(slog.String("component", "audio-resolver"))}, nil
}

// BaseDir returns the absolute base directory.
func (r *Resolver) BaseDir() string { return r.baseDir }

// Path maps a reference to an absolute path without touching the filesystem.
func (r *Resolver) Path(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" || strings.ContainsRune(ref, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, ref)
	}
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	return filepath.Join(r.baseDir, ref), nil
}

// Resolve locates and inspects the asset behind ref. For WAV files only the
// header is read. When the header was readable but violates the streaming
// constraints, the populated descriptor is returned together with a *FormatError.
func (r *Resolver) Resolve(ref string) (Descriptor, error) {
	path, err := r.Path(ref)
	if err != nil {
		return Descriptor{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Descriptor{}, &ReadError{Path: path, Err: err}
	}
	if info.IsDir() {
		return Descriptor{}, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}

	desc := Descriptor{Path: path, Size: info.Size()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		desc.Container = ContainerWAV
		if err := inspectWAV(&desc); err != nil {
			r.logger.Debug("audio asset rejected", slog.String("path", path), slog.String("error", err.Error()))
			return desc, err
		}
	case ".mp3":
		desc.Container = ContainerMP3
		desc.Deferred = true
	default:
		desc.Container = ContainerOther
		desc.Deferred = true
	}

	r.logger.Debug("audio asset resolved",
		slog.String("path", path),
		slog.String("container", string(desc.Container)),
		slog.String("size", humanize.Bytes(uint64(desc.Size))),
		slog.Bool("deferred", desc.Deferred))
	return desc, nil
}

func inspectWAV(desc *Descriptor) error {
	f, err := os.Open(desc.Path)
	if err != nil {
		return &ReadError{Path: desc.Path, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil && !errors.Is(err, io.EOF) {
		if isIOError(err) {
			return &ReadError{Path: desc.Path, Err: err}
		}
		return &FormatError{Path: desc.Path, Reason: "malformed RIFF/WAVE header: " + err.Error()}
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return &FormatError{Path: desc.Path, Reason: "missing fmt chunk"}
	}

	desc.SampleRate = int(dec.SampleRate)
	desc.Channels = int(dec.NumChans)
	desc.BitsPerSample = int(dec.BitDepth)
	desc.FormatTag = dec.WavAudioFormat
	if reason := formatReason(*desc); reason != "" {
		return &FormatError{Path: desc.Path, Reason: reason}
	}
	return nil
}

func isIOError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}

// ReadOpaque reads an opaque asset in one pass.
func ReadOpaque(desc Descriptor) ([]byte, error) {
	data, err := os.ReadFile(desc.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, desc.Path)
		}
		return nil, &ReadError{Path: desc.Path, Err: err}
	}
	return data, nil
}
