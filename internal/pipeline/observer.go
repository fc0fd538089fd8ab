package pipeline

import "time"

// RunStart is emitted once the source is open and its properties are known.
type RunStart struct {
	RunID       string
	Input       string
	Output      string
	TotalFrames int // 0 when unknown
	FPS         float64
}

// Progress is emitted after each frame is written.
type Progress struct {
	RunID       string
	Index       int
	Dispatched  bool
	TotalFrames int
}

// RunResult is emitted on every exit path, including open failures.
type RunResult struct {
	RunID      string
	Output     string
	Frames     int
	Dispatches int
	Held       int // dispatch points skipped while the remote was unreachable
	Duration   time.Duration
	Err        error
}

// Observer receives run lifecycle events. Calls happen on the run's goroutine
// and must not block for long.
type Observer interface {
	RunStarted(RunStart)
	FrameProcessed(Progress)
	RunFinished(RunResult)
}

// Observers fans events out to each non-nil observer in order.
type Observers []Observer

func (obs Observers) RunStarted(e RunStart) {
	for _, o := range obs {
		if o != nil {
			o.RunStarted(e)
		}
	}
}

func (obs Observers) FrameProcessed(e Progress) {
	for _, o := range obs {
		if o != nil {
			o.FrameProcessed(e)
		}
	}
}

func (obs Observers) RunFinished(e RunResult) {
	for _, o := range obs {
		if o != nil {
			o.RunFinished(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) RunStarted(RunStart)     {}
func (nopObserver) FrameProcessed(Progress) {}
func (nopObserver) RunFinished(RunResult)   {}
