package audio

import (
	"errors"
	"fmt"
)

// Sentinel errors for asset resolution and chunking.
var (
	// ErrInvalidPath is returned for an empty or malformed playback reference.
	ErrInvalidPath = errors.New("audio: invalid path")

	// ErrNotFound is returned when the resolved file does not exist.
	ErrNotFound = errors.New("audio: not found")

	// ErrUnsupportedFormat is returned when a WAV asset cannot be streamed as-is.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")

	// ErrRead is returned when the asset cannot be read.
	ErrRead = errors.New("audio: read error")

	// ErrNotStreamable is returned when chunking is requested for a descriptor that failed validation.
	ErrNotStreamable = errors.New("audio: descriptor is not streamable")
)

// FormatError explains why an asset is not streamable.
type FormatError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: unsupported format %s: %s", e.Path, e.Reason)
}

// Is matches ErrUnsupportedFormat.
func (e *FormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

// ReadError wraps an I/O failure on an asset.
type ReadError struct {
	Path string
	Err  error
}

// Error implements the error interface. The underlying message is kept verbatim.
func (e *ReadError) Error() string {
	return fmt.Sprintf("audio: read %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReadError) Unwrap() error {
	return e.Err
}

// Is matches ErrRead.
func (e *ReadError) Is(target error) bool {
	return target == ErrRead
}
