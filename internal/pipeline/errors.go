package pipeline

import (
	"errors"
	"fmt"
)

// ErrRemoteUnavailable is returned under PolicyFail when a dispatch point is
// reached while the remote service is reported unreachable.
var ErrRemoteUnavailable = errors.New("remote analytics service unavailable")

// SourceOpenError means the input video could not be opened.
type SourceOpenError struct {
	Path string
	Err  error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open source %s: %v", e.Path, e.Err)
}

func (e *SourceOpenError) Unwrap() error { return e.Err }

// SinkOpenError means the output video could not be created.
type SinkOpenError struct {
	Path string
	Err  error
}

func (e *SinkOpenError) Error() string {
	return fmt.Sprintf("open sink %s: %v", e.Path, e.Err)
}

func (e *SinkOpenError) Unwrap() error { return e.Err }

// FrameError attaches the 1-based frame index to a mid-stream failure.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
