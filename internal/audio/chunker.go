package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/go-audio/wav"
)

// Chunk is up to one second of PCM frames in file order.
type Chunk struct {
	Sequence   int
	PCM        []byte
	SampleRate int
	Frames     int
}

// ChunkStream reads the PCM data of a streamable WAV file one chunk at a time.
// It is single-pass: once exhausted or closed it only returns io.EOF.
type ChunkStream struct {
	path       string
	file       *os.File
	pcm        io.Reader
	sampleRate int
	frameSize  int
	chunkBytes int
	sequence   int
	done       bool
}

// OpenChunks opens desc and positions the stream at the start of its PCM data.
// The caller must Close the stream.
func OpenChunks(desc Descriptor) (*ChunkStream, error) {
	if !desc.Streamable() {
		return nil, fmt.Errorf("%w: %s", ErrNotStreamable, desc.Path)
	}
	f, err := os.Open(desc.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, desc.Path)
		}
		return nil, &ReadError{Path: desc.Path, Err: err}
	}

	dec := wav.NewDecoder(f)
	fwdErr := dec.FwdToPCM()
	if fwdErr == nil {
		fwdErr = dec.Err()
	}
	if fwdErr != nil && !errors.Is(fwdErr, io.EOF) {
		f.Close()
		return nil, &ReadError{Path: desc.Path, Err: fwdErr}
	}
	if dec.PCMChunk == nil {
		f.Close()
		return nil, &FormatError{Path: desc.Path, Reason: "missing data chunk"}
	}

	frameSize := desc.FrameSize()
	return &ChunkStream{
		path:       desc.Path,
		file:       f,
		pcm:        io.LimitReader(dec.PCMChunk, dec.PCMLen()),
		sampleRate: desc.SampleRate,
		frameSize:  frameSize,
		chunkBytes: desc.SampleRate * frameSize,
	}, nil
}

// Next returns the next chunk, or io.EOF when the data is exhausted. A trailing
// partial frame is dropped.
func (s *ChunkStream) Next() (Chunk, error) {
	if s.done || s.file == nil {
		return Chunk{}, io.EOF
	}
	buf := make([]byte, s.chunkBytes)
	n, err := io.ReadFull(s.pcm, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	default:
		s.done = true
		return Chunk{}, &ReadError{Path: s.path, Err: err}
	}
	n -= n % s.frameSize
	if n == 0 {
		s.done = true
		return Chunk{}, io.EOF
	}
	chunk := Chunk{
		Sequence:   s.sequence,
		PCM:        buf[:n],
		SampleRate: s.sampleRate,
		Frames:     n / s.frameSize,
	}
	s.sequence++
	return chunk, nil
}

// Close releases the file handle. It is safe to call more than once.
func (s *ChunkStream) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.done = true
	return err
}

// Stream opens desc, hands each chunk to fn in order and always releases the
// file before returning. It stops at the first error from fn or ctx.
func Stream(ctx context.Context, desc Descriptor, fn func(Chunk) error) (int, error) {
	stream, err := OpenChunks(desc)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if err := fn(chunk); err != nil {
			return count, err
		}
		count++
	}
}
