// Package watcher picks up videos dropped into a folder, runs them through
// the pipeline and files the results.
//
// Layout under the watched directory:
//
//	<dir>/clip.mp4                              new input
//	<dir>/output/clip_with_detections.mp4       annotated result
//	<dir>/processed/clip.mp4                    input after success
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/channel"
	"github.com/mikeyg42/edgeanalytics/internal/pipeline"
	"github.com/mikeyg42/edgeanalytics/internal/video"
)

const (
	OutputDirName    = "output"
	ProcessedDirName = "processed"

	DefaultInterval  = 30 * time.Second
	DefaultOutputExt = ".mp4"
)

// Processor runs one file through the pipeline.
type Processor interface {
	Run(ctx context.Context, inputPath, outputPath string) (string, error)
}

// Publisher uploads a finished artifact. Optional.
type Publisher interface {
	Publish(ctx context.Context, runID, filePath string) (string, error)
}

// Config configures a Watcher. Zero values take defaults.
type Config struct {
	Dir       string
	Interval  time.Duration
	OutputExt string
	// SettleTime is how long a file must go unmodified before it is picked
	// up, so partially copied files are left alone.
	SettleTime   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Publisher    Publisher
	Logger       *zap.Logger
}

// Watcher polls a directory. It is driven by a single goroutine.
type Watcher struct {
	cfg    Config
	proc   Processor
	seen   map[string]struct{}
	logger *zap.Logger
	now    func() time.Time
}

// New creates the output and processed folders and returns a Watcher.
func New(proc Processor, cfg Config) (*Watcher, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("watch directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.OutputExt == "" {
		cfg.OutputExt = DefaultOutputExt
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}

	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, OutputDirName), filepath.Join(cfg.Dir, ProcessedDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	return &Watcher{
		cfg:    cfg,
		proc:   proc,
		seen:   make(map[string]struct{}),
		logger: logger.Named("watcher"),
		now:    time.Now,
	}, nil
}

// Run scans immediately and then once per interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching folder", zap.String("dir", w.cfg.Dir), zap.Duration("interval", w.cfg.Interval))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Result is the outcome for one input picked up by a scan.
type Result struct {
	Input  string
	Output string
	RunID  string // the successful run
	Err    error
}

// Scan processes every new, settled video in the directory in name order.
func (w *Watcher) Scan(ctx context.Context) ([]Result, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", w.cfg.Dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var results []Result
	for _, e := range entries {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		name := e.Name()
		if !e.Type().IsRegular() || !video.IsVideoFile(name) {
			continue
		}
		if _, ok := w.seen[name]; ok {
			continue
		}
		if !w.settled(e) {
			continue
		}
		w.seen[name] = struct{}{}
		results = append(results, w.process(ctx, name))
	}
	return results, nil
}

func (w *Watcher) settled(e os.DirEntry) bool {
	if w.cfg.SettleTime <= 0 {
		return true
	}
	info, err := e.Info()
	if err != nil {
		return false
	}
	return w.now().Sub(info.ModTime()) >= w.cfg.SettleTime
}

func (w *Watcher) process(ctx context.Context, name string) Result {
	input := filepath.Join(w.cfg.Dir, name)
	output := filepath.Join(w.cfg.Dir, OutputDirName, video.OutputName(name, w.cfg.OutputExt))
	log := w.logger.With(zap.String("input", input))

	var out, runID string
	attempt := 0
	op := func() error {
		attempt++
		runID = uuid.NewString()
		var err error
		out, err = w.proc.Run(pipeline.WithRunID(ctx, runID), input, output)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn("run failed, will retry", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(w.newBackoff(), ctx)); err != nil {
		log.Error("giving up on file", zap.Int("attempts", attempt), zap.Error(err))
		return Result{Input: input, Err: err}
	}

	processed := filepath.Join(w.cfg.Dir, ProcessedDirName, name)
	if err := os.Rename(input, processed); err != nil {
		log.Warn("move input to processed", zap.Error(err))
	}

	if w.cfg.Publisher != nil {
		if _, err := w.cfg.Publisher.Publish(ctx, runID, out); err != nil {
			log.Warn("publish artifact", zap.Error(err))
		}
	}

	log.Info("file processed", zap.String("output", out), zap.String("run_id", runID), zap.Int("attempts", attempt))
	return Result{Input: input, Output: out, RunID: runID}
}

func (w *Watcher) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = w.cfg.RetryBackoff
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(w.cfg.MaxRetries))
}

// retryable reports whether a failed run might succeed if repeated: network
// trouble and an unreachable remote are transient, bad input is not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pipeline.ErrRemoteUnavailable) {
		return true
	}
	return channel.IsRetryable(err)
}
