package session

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/curriculum"
	"github.com/loqalabs/loqa-tutor/internal/persona"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/sequencer"
)

// ErrSequenceInProgress is returned when a session already has an active run.
var ErrSequenceInProgress = errors.New("session: sequence in progress")

var errBadRequest = errors.New("session: bad request")

var errorCodes = []struct {
	target error
	code   string
}{
	{curriculum.ErrUnsupportedPersona, protocol.ErrCodeUnsupportedPersona},
	{persona.ErrUnknownPersona, protocol.ErrCodeUnknownPersona},
	{persona.ErrUnknownTopic, protocol.ErrCodeUnknownTopic},
	{persona.ErrNoStories, protocol.ErrCodeNoStories},
	{curriculum.ErrIndexOutOfRange, protocol.ErrCodeIndexOutOfRange},
	{audio.ErrInvalidPath, protocol.ErrCodeInvalidPath},
	{audio.ErrNotFound, protocol.ErrCodeNotFound},
	{audio.ErrUnsupportedFormat, protocol.ErrCodeUnsupportedFormat},
	{audio.ErrRead, protocol.ErrCodeReadError},
	{sequencer.ErrConfirmationTimeout, protocol.ErrCodeConfirmTimeout},
	{ErrSequenceInProgress, protocol.ErrCodeSequenceInProgress},
	{errBadRequest, protocol.ErrCodeBadRequest},
	{context.Canceled, protocol.ErrCodeInternal},
}

// ErrorCode maps err to its wire code. Unknown errors map to "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			return ec.code
		}
	}
	return protocol.ErrCodeInternal
}
