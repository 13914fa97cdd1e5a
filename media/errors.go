package media

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by backends and pipeline stages. Callers
// distinguish failure modes with errors.Is.
var (
	ErrUnsupported       = errors.New("media: unsupported input")
	ErrNoDecodableStream = errors.New("media: no decodable stream")
	ErrSeekUnsupported   = errors.New("media: seek not supported")
)

// StageError attributes a failure to a pipeline stage and, when relevant, a
// stream index.
type StageError struct {
	Stage  string
	Stream int
	Err    error
}

func (e *StageError) Error() string {
	if e.Stream < 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (stream %d): %v", e.Stage, e.Stream, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
