package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/edgeanalytics/internal/detection"
	"github.com/mikeyg42/edgeanalytics/internal/video"
)

// fakeSource yields n 4x4 single-channel frames whose pixels hold the 1-based
// frame index.
type fakeSource struct {
	n      int
	read   int
	closed int
}

func (s *fakeSource) Properties() video.Properties {
	return video.Properties{Width: 4, Height: 4, FPS: 30, FrameCount: s.n}
}

func (s *fakeSource) Read(frame *gocv.Mat) bool {
	if s.read >= s.n {
		return false
	}
	s.read++
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(s.read%256), 0, 0, 0), 4, 4, gocv.MatTypeCV8UC1)
	defer m.Close()
	m.CopyTo(frame)
	return true
}

func (s *fakeSource) Close() error {
	s.closed++
	return nil
}

type fakeSink struct {
	written  []int
	closed   int
	closeErr error
}

func (s *fakeSink) Write(frame gocv.Mat) error {
	s.written = append(s.written, int(frame.GetUCharAt(0, 0)))
	return nil
}

func (s *fakeSink) Close() error {
	s.closed++
	return s.closeErr
}

// fakeRenderer records which set was drawn on which frame.
type fakeRenderer struct {
	drawn map[int]detection.Set
	err   error
}

func (r *fakeRenderer) Render(frame *gocv.Mat, set detection.Set) error {
	if r.err != nil {
		return r.err
	}
	r.drawn[int(frame.GetUCharAt(0, 0))] = set
	return nil
}

// fakeDispatcher answers each dispatch with a set tagged by the frame index
// found in the payload.
type fakeDispatcher struct {
	calls []int
	fail  func(index int) error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, frame []byte) (detection.Set, error) {
	index := int(frame[0])
	d.calls = append(d.calls, index)
	if d.fail != nil {
		if err := d.fail(index); err != nil {
			return nil, err
		}
	}
	return setFor(index), nil
}

func setFor(index int) detection.Set {
	return detection.Set{{ClassID: index, ClassName: "obj", Confidence: 0.5, Box: detection.BoundingBox{XMax: 2, YMax: 2}}}
}

type recordingObserver struct {
	started  []RunStart
	progress []Progress
	finished []RunResult
	onFrame  func(Progress)
}

func (o *recordingObserver) RunStarted(e RunStart) { o.started = append(o.started, e) }
func (o *recordingObserver) FrameProcessed(e Progress) {
	o.progress = append(o.progress, e)
	if o.onFrame != nil {
		o.onFrame(e)
	}
}
func (o *recordingObserver) RunFinished(e RunResult) { o.finished = append(o.finished, e) }

type fixture struct {
	src      *fakeSource
	sink     *fakeSink
	renderer *fakeRenderer
	disp     *fakeDispatcher
	obs      *recordingObserver
	orch     *Orchestrator
}

func newFixture(t *testing.T, frames int, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		src:      &fakeSource{n: frames},
		sink:     &fakeSink{},
		renderer: &fakeRenderer{drawn: map[int]detection.Set{}},
		disp:     &fakeDispatcher{},
		obs:      &recordingObserver{},
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	opts.Observer = f.obs
	if opts.OpenSource == nil {
		opts.OpenSource = func(string) (FrameSource, error) { return f.src, nil }
	}
	if opts.OpenSink == nil {
		opts.OpenSink = func(string, string, video.Properties) (FrameSink, error) { return f.sink, nil }
	}
	opts.Encode = func(frame gocv.Mat) ([]byte, error) {
		return []byte{frame.GetUCharAt(0, 0)}, nil
	}
	opts.NewRenderer = func(uint64) Renderer { return f.renderer }

	orch, err := New(f.disp, opts)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	assert.Equal(t, 1, f.src.closed, "source closed once")
	assert.Equal(t, 1, f.sink.closed, "sink closed once")
	require.Len(t, f.obs.finished, 1)
}

func TestRunTwelveFrames(t *testing.T) {
	f := newFixture(t, 12, Options{FrameSkip: 6})

	out, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	want, _ := filepath.Abs("out.mp4")
	assert.Equal(t, want, out)
	assert.True(t, filepath.IsAbs(out))

	assert.Equal(t, []int{6, 12}, f.disp.calls)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, f.sink.written)

	for i := 1; i <= 5; i++ {
		assert.Empty(t, f.renderer.drawn[i], "frame %d has no overlay", i)
	}
	for i := 6; i <= 11; i++ {
		assert.Equal(t, setFor(6), f.renderer.drawn[i], "frame %d", i)
	}
	assert.Equal(t, setFor(12), f.renderer.drawn[12])

	f.assertReleased(t)
	res := f.obs.finished[0]
	assert.NoError(t, res.Err)
	assert.Equal(t, 12, res.Frames)
	assert.Equal(t, 2, res.Dispatches)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, f.obs.started, 1)
	assert.Equal(t, 12, f.obs.started[0].TotalFrames)
	require.Len(t, f.obs.progress, 12)
	for _, p := range f.obs.progress {
		assert.Equal(t, p.Index%6 == 0, p.Dispatched, "frame %d", p.Index)
	}
}

func TestRunInvalidPayloadStopsWriting(t *testing.T) {
	f := newFixture(t, 12, Options{FrameSkip: 6})
	f.disp.fail = func(int) error {
		return &detection.ValidationError{Field: "detections", Reason: "must be a list"}
	}

	out, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.Error(t, err)
	assert.Empty(t, out)

	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 6, fe.Index)
	var ve *detection.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.sink.written, "no frames after the failure")
	assert.Equal(t, 6, f.src.read, "no further frames read")
	f.assertReleased(t)
	assert.Equal(t, err, f.obs.finished[0].Err)
}

func TestRunReleasesOnMidStreamFailure(t *testing.T) {
	f := newFixture(t, 100, Options{FrameSkip: 5})
	boom := errors.New("connection reset")
	f.disp.fail = func(index int) error {
		if index == 10 {
			return boom
		}
		return nil
	}

	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.ErrorIs(t, err, boom)

	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 10, fe.Index)
	assert.Len(t, f.sink.written, 9)
	f.assertReleased(t)
}

func TestRunSourceOpenError(t *testing.T) {
	sinkOpened := false
	f := newFixture(t, 0, Options{
		OpenSource: func(string) (FrameSource, error) { return nil, errors.New("no such file") },
		OpenSink: func(string, string, video.Properties) (FrameSink, error) {
			sinkOpened = true
			return nil, nil
		},
	})

	_, err := f.orch.Run(context.Background(), "missing.mp4", "out.mp4")
	var soe *SourceOpenError
	require.ErrorAs(t, err, &soe)
	assert.Equal(t, "missing.mp4", soe.Path)
	assert.False(t, sinkOpened)
	assert.Len(t, f.obs.finished, 1)
	assert.Empty(t, f.obs.started)
}

func TestRunSinkOpenErrorReleasesSource(t *testing.T) {
	f := newFixture(t, 3, Options{
		OpenSink: func(string, string, video.Properties) (FrameSink, error) {
			return nil, errors.New("read-only filesystem")
		},
	})

	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	var soe *SinkOpenError
	require.ErrorAs(t, err, &soe)
	assert.True(t, filepath.IsAbs(soe.Path))
	assert.Equal(t, 1, f.src.closed)
	assert.Zero(t, f.src.read)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, 50, Options{FrameSkip: 6})
	f.obs.onFrame = func(p Progress) {
		if p.Index == 3 {
			cancel()
		}
	}

	_, err := f.orch.Run(ctx, "in.mp4", "out.mp4")
	require.ErrorIs(t, err, context.Canceled)

	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 4, fe.Index)
	assert.Equal(t, []int{1, 2, 3}, f.sink.written)
	f.assertReleased(t)
}

type fakeReporter struct {
	reachable atomic.Bool
}

func (r *fakeReporter) Reachable() bool { return r.reachable.Load() }

func TestRunHoldsWhileUnavailable(t *testing.T) {
	rep := &fakeReporter{}
	rep.reachable.Store(true)

	f := newFixture(t, 18, Options{FrameSkip: 6, Availability: rep})
	f.obs.onFrame = func(p Progress) {
		switch p.Index {
		case 7:
			rep.reachable.Store(false)
		case 13:
			rep.reachable.Store(true)
		}
	}

	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	assert.Equal(t, []int{6, 18}, f.disp.calls, "frame 12 skipped while unreachable")
	assert.Equal(t, setFor(6), f.renderer.drawn[12], "last set held over")
	assert.Equal(t, setFor(6), f.renderer.drawn[17])
	assert.Equal(t, setFor(18), f.renderer.drawn[18])
	assert.Equal(t, 2, f.obs.finished[0].Dispatches)
	assert.Equal(t, 1, f.obs.finished[0].Held)
	assert.Len(t, f.sink.written, 18)
}

func TestRunWarnsOnceWhileHolding(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rep := &fakeReporter{}

	f := newFixture(t, 30, Options{FrameSkip: 6, Availability: rep, Logger: zap.New(core)})
	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	assert.Empty(t, f.disp.calls)
	assert.Equal(t, 0, f.obs.finished[0].Dispatches)
	assert.Equal(t, 5, f.obs.finished[0].Held)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("remote unreachable, holding last detections")
	assert.Equal(t, 1, warns.Len())
	assert.Equal(t, 4, logs.FilterMessage("remote still unreachable").Len())
}

func TestRunUsesRunIDFromContext(t *testing.T) {
	f := newFixture(t, 6, Options{FrameSkip: 6})

	ctx := WithRunID(context.Background(), "upload-42")
	_, err := f.orch.Run(ctx, "in.mp4", "out.mp4")
	require.NoError(t, err)

	require.Len(t, f.obs.started, 1)
	assert.Equal(t, "upload-42", f.obs.started[0].RunID)
	assert.Equal(t, "upload-42", f.obs.finished[0].RunID)

	_, err = f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)
	assert.NotEqual(t, "upload-42", f.obs.finished[1].RunID)
	assert.NotEmpty(t, f.obs.finished[1].RunID)
}

func TestRunIDFromContext(t *testing.T) {
	_, ok := RunIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = RunIDFromContext(WithRunID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := RunIDFromContext(WithRunID(context.Background(), "abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
}

func TestRunFailsWhileUnavailable(t *testing.T) {
	rep := &fakeReporter{}
	f := newFixture(t, 12, Options{FrameSkip: 6, Availability: rep, Policy: PolicyFail})

	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.ErrorIs(t, err, ErrRemoteUnavailable)

	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 6, fe.Index)
	assert.Empty(t, f.disp.calls)
	f.assertReleased(t)
}

func TestRunRenderError(t *testing.T) {
	f := newFixture(t, 3, Options{})
	f.renderer.err = errors.New("bad frame")

	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Index)
	assert.Empty(t, f.sink.written)
	f.assertReleased(t)
}

func TestRunSinkCloseError(t *testing.T) {
	f := newFixture(t, 2, Options{})
	f.sink.closeErr = errors.New("disk full")

	_, err := f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, f.sink.closed, "not closed twice")
}

func TestRunReleasesOnPanic(t *testing.T) {
	f := newFixture(t, 12, Options{FrameSkip: 6})
	f.disp.fail = func(int) error { panic("dispatcher bug") }

	assert.Panics(t, func() {
		_, _ = f.orch.Run(context.Background(), "in.mp4", "out.mp4")
	})
	assert.Equal(t, 1, f.src.closed)
	assert.Equal(t, 1, f.sink.closed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New(&fakeDispatcher{}, Options{FrameSkip: -1})
	assert.Error(t, err)

	_, err = New(&fakeDispatcher{}, Options{Policy: "retry"})
	assert.Error(t, err)

	o, err := New(&fakeDispatcher{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 6, o.sampler.Interval())
	assert.Equal(t, PolicyHold, o.opts.Policy)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "errored", StateErrored.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestRunEndToEndWithVideoFiles(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.avi")

	props := video.Properties{Width: 96, Height: 64, FPS: 12}
	sink, err := video.OpenSink(in, "", props)
	require.NoError(t, err)
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 40, 40, 0), props.Height, props.Width, gocv.MatTypeCV8UC3)
	for range 12 {
		require.NoError(t, sink.Write(frame))
	}
	frame.Close()
	require.NoError(t, sink.Close())

	var calls atomic.Int32
	disp := dispatcherFunc(func(_ context.Context, payload []byte) (detection.Set, error) {
		calls.Add(1)
		require.Equal(t, []byte{0xFF, 0xD8}, payload[:2])
		return detection.Set{{ClassID: 1, ClassName: "person", Confidence: 0.8, Box: detection.BoundingBox{XMin: 10, YMin: 20, XMax: 60, YMax: 50}}}, nil
	})

	orch, err := New(disp, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	outPath := filepath.Join(dir, video.OutputName(in, ""))
	out, err := orch.Run(context.Background(), in, outPath)
	require.NoError(t, err)
	assert.Equal(t, outPath, out)
	assert.EqualValues(t, 2, calls.Load())

	src, err := video.OpenSource(out)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, props.Width, src.Properties().Width)
	assert.Equal(t, props.Height, src.Properties().Height)
}

type dispatcherFunc func(ctx context.Context, frame []byte) (detection.Set, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, frame []byte) (detection.Set, error) {
	return f(ctx, frame)
}
