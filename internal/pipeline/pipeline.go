// Package pipeline drives one video file through decimated remote inference:
// every frame is read, every Nth frame is encoded and dispatched over the
// secure channel, the most recent detection set is drawn onto each frame, and
// the annotated frame is written to the output video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/edgeanalytics/internal/availability"
	"github.com/mikeyg42/edgeanalytics/internal/detection"
	"github.com/mikeyg42/edgeanalytics/internal/overlay"
	"github.com/mikeyg42/edgeanalytics/internal/sampler"
	"github.com/mikeyg42/edgeanalytics/internal/video"
)

// FrameSource yields decoded frames in order.
type FrameSource interface {
	Properties() video.Properties
	Read(frame *gocv.Mat) bool
	Close() error
}

// FrameSink accepts annotated frames in order.
type FrameSink interface {
	Write(frame gocv.Mat) error
	Close() error
}

// Dispatcher sends one encoded frame to the remote service.
type Dispatcher interface {
	Dispatch(ctx context.Context, frame []byte) (detection.Set, error)
}

// Renderer draws a detection set onto a frame in place.
type Renderer interface {
	Render(frame *gocv.Mat, set detection.Set) error
}

// UnavailablePolicy decides what a run does at a dispatch point while the
// remote service is reported unreachable.
type UnavailablePolicy string

const (
	// PolicyHold skips the dispatch and keeps drawing the last known set.
	PolicyHold UnavailablePolicy = "hold"
	// PolicyFail stops the run with ErrRemoteUnavailable.
	PolicyFail UnavailablePolicy = "fail"
)

// State is a run's lifecycle position.
type State int

const (
	StateOpening State = iota
	StateStreaming
	StateDraining
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures an Orchestrator. Zero values take defaults.
type Options struct {
	FrameSkip   int
	Codec       string // empty picks by output extension
	JPEGQuality int
	ColorSeed   uint64

	Availability availability.Reporter
	Policy       UnavailablePolicy
	Observer     Observer
	Logger       *zap.Logger

	// Hooks replacing the gocv-backed defaults.
	OpenSource  func(path string) (FrameSource, error)
	OpenSink    func(path, codec string, props video.Properties) (FrameSink, error)
	Encode      func(frame gocv.Mat) ([]byte, error)
	NewRenderer func(seed uint64) Renderer
}

// Orchestrator runs files through the pipeline. It holds no per-run state
// and may be used by several goroutines at once.
type Orchestrator struct {
	dispatcher Dispatcher
	sampler    *sampler.Decimator
	opts       Options
	logger     *zap.Logger
}

// New validates opts and fills in defaults.
func New(dispatcher Dispatcher, opts Options) (*Orchestrator, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.FrameSkip == 0 {
		opts.FrameSkip = sampler.DefaultInterval
	}
	dec, err := sampler.New(opts.FrameSkip)
	if err != nil {
		return nil, err
	}

	switch opts.Policy {
	case "":
		opts.Policy = PolicyHold
	case PolicyHold, PolicyFail:
	default:
		return nil, fmt.Errorf("unknown unavailable policy %q", opts.Policy)
	}
	if opts.ColorSeed == 0 {
		opts.ColorSeed = overlay.DefaultColorSeed
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.OpenSource == nil {
		opts.OpenSource = func(path string) (FrameSource, error) {
			return video.OpenSource(path)
		}
	}
	if opts.OpenSink == nil {
		opts.OpenSink = func(path, codec string, props video.Properties) (FrameSink, error) {
			return video.OpenSink(path, codec, props)
		}
	}
	if opts.Encode == nil {
		quality := opts.JPEGQuality
		opts.Encode = func(frame gocv.Mat) ([]byte, error) {
			return video.EncodeJPEG(frame, quality)
		}
	}
	if opts.NewRenderer == nil {
		opts.NewRenderer = func(seed uint64) Renderer {
			return overlay.NewRenderer(overlay.NewColorAssignment(seed))
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}

	return &Orchestrator{
		dispatcher: dispatcher,
		sampler:    dec,
		opts:       opts,
		logger:     logger.Named("pipeline"),
	}, nil
}

// run is the per-invocation state. It never outlives Run.
type run struct {
	id         string
	state      State
	frames     int
	dispatches int
	held       int
	last       detection.Set
	logger     *zap.Logger
}

func (r *run) transition(to State) {
	r.logger.Debug("run state", zap.Stringer("from", r.state), zap.Stringer("to", to))
	r.state = to
}

// Run processes inputPath into outputPath and returns the absolute output
// path. Source and sink are released on every exit path; a failed run leaves
// whatever was written so far on disk.
func (o *Orchestrator) Run(ctx context.Context, inputPath, outputPath string) (_ string, err error) {
	started := time.Now()
	r := &run{id: uuid.NewString(), state: StateOpening}
	if id, ok := RunIDFromContext(ctx); ok {
		r.id = id
	}
	r.logger = o.logger.With(zap.String("run_id", r.id))

	output, absErr := filepath.Abs(outputPath)
	if absErr != nil {
		output = outputPath
	}

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("panic during run: %v", p)
		}
		if err != nil {
			r.transition(StateErrored)
			r.logger.Error("run failed",
				zap.Int("frames", r.frames),
				zap.Int("dispatches", r.dispatches),
				zap.Int("held", r.held),
				zap.Error(err))
		} else {
			r.transition(StateClosed)
			r.logger.Info("run complete",
				zap.String("output", output),
				zap.Int("frames", r.frames),
				zap.Int("dispatches", r.dispatches),
				zap.Int("held", r.held),
				zap.Duration("elapsed", time.Since(started)))
		}
		o.opts.Observer.RunFinished(RunResult{
			RunID:      r.id,
			Output:     output,
			Frames:     r.frames,
			Dispatches: r.dispatches,
			Held:       r.held,
			Duration:   time.Since(started),
			Err:        err,
		})
		if p != nil {
			panic(p)
		}
	}()

	r.logger.Info("run starting", zap.String("input", inputPath), zap.String("output", output))

	src, openErr := o.opts.OpenSource(inputPath)
	if openErr != nil {
		return "", &SourceOpenError{Path: inputPath, Err: openErr}
	}
	srcCloser := newReleaser(src)
	defer srcCloser.releaseLogged(r.logger, "source")

	props := src.Properties()
	sink, openErr := o.opts.OpenSink(output, o.opts.Codec, props)
	if openErr != nil {
		return "", &SinkOpenError{Path: output, Err: openErr}
	}
	sinkCloser := newReleaser(sink)
	defer sinkCloser.releaseLogged(r.logger, "sink")

	o.opts.Observer.RunStarted(RunStart{
		RunID:       r.id,
		Input:       inputPath,
		Output:      output,
		TotalFrames: props.FrameCount,
		FPS:         props.FPS,
	})

	renderer := o.opts.NewRenderer(o.opts.ColorSeed)
	frame := gocv.NewMat()
	defer frame.Close()

	r.transition(StateStreaming)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &FrameError{Index: r.frames + 1, Err: ctxErr}
		}
		if !src.Read(&frame) {
			break
		}
		r.frames++
		index := r.frames

		dispatched := false
		if o.sampler.ShouldDispatch(index) {
			var dErr error
			dispatched, dErr = o.dispatch(ctx, r, frame, index)
			if dErr != nil {
				return "", &FrameError{Index: index, Err: dErr}
			}
		}

		if rErr := renderer.Render(&frame, r.last); rErr != nil {
			return "", &FrameError{Index: index, Err: fmt.Errorf("render: %w", rErr)}
		}
		if wErr := sink.Write(frame); wErr != nil {
			return "", &FrameError{Index: index, Err: fmt.Errorf("write: %w", wErr)}
		}

		o.opts.Observer.FrameProcessed(Progress{
			RunID:       r.id,
			Index:       index,
			Dispatched:  dispatched,
			TotalFrames: props.FrameCount,
		})
	}

	r.transition(StateDraining)
	if cErr := sinkCloser.release(); cErr != nil {
		return "", fmt.Errorf("finalize %s: %w", output, cErr)
	}
	if cErr := srcCloser.release(); cErr != nil {
		r.logger.Warn("close source", zap.Error(cErr))
	}
	return output, nil
}

// dispatch sends frame and updates the run's last known set. It reports
// whether a dispatch actually happened.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, frame gocv.Mat, index int) (bool, error) {
	if o.opts.Availability != nil && !o.opts.Availability.Reachable() {
		if o.opts.Policy == PolicyFail {
			return false, ErrRemoteUnavailable
		}
		if r.held == 0 {
			r.logger.Warn("remote unreachable, holding last detections", zap.Int("frame", index))
		} else {
			r.logger.Debug("remote still unreachable", zap.Int("frame", index))
		}
		r.held++
		return false, nil
	}

	payload, err := o.opts.Encode(frame)
	if err != nil {
		return false, fmt.Errorf("encode: %w", err)
	}
	set, err := o.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		return false, err
	}

	r.last = set
	r.dispatches++
	r.logger.Debug("frame dispatched", zap.Int("frame", index), zap.Int("detections", len(set)))
	return true, nil
}

type runIDKey struct{}

// WithRunID returns a context whose runs use id as their run ID instead of
// a fresh uuid, so callers can correlate their own records with the run.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run ID set by WithRunID.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

type closer interface {
	Close() error
}

// releaser closes its target at most once.
type releaser struct {
	c    closer
	done bool
}

func newReleaser(c closer) *releaser {
	return &releaser{c: c}
}

func (r *releaser) release() error {
	if r.done {
		return nil
	}
	r.done = true
	return r.c.Close()
}

func (r *releaser) releaseLogged(logger *zap.Logger, what string) {
	if err := r.release(); err != nil {
		logger.Warn("release "+what, zap.Error(err))
	}
}
