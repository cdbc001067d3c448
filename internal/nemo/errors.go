package nemo

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidServerURL reports a missing or malformed server URL at
	// construction time.
	ErrInvalidServerURL = errors.New("nemo: invalid server url")

	// ErrMalformedResponse reports a 2xx response whose body could not
	// be decoded as a transcription result.
	ErrMalformedResponse = errors.New("nemo: malformed server response")

	// ErrMalformedAudio reports audio input that could not be decoded
	// before submission.
	ErrMalformedAudio = errors.New("nemo: malformed audio input")
)

// StatusError reports a non-2xx response from the inference server. It
// is distinct from transport-level failures: the server was reachable
// and answered.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("nemo: server returned status %d", e.Code)
	}
	return fmt.Sprintf("nemo: server returned status %d: %s", e.Code, e.Body)
}
