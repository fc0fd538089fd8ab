package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const DefaultCleanupInterval = 10 * time.Minute

// Cleaner empties a scratch directory of files nobody is using any more.
// A file counts as in use while it has been modified within MinAge.
type Cleaner struct {
	dir      string
	interval time.Duration
	minAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewCleaner returns a Cleaner for dir. minAge defaults to interval.
func NewCleaner(dir string, interval, minAge time.Duration, logger *zap.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if minAge <= 0 {
		minAge = interval
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Cleaner{
		dir:      dir,
		interval: interval,
		minAge:   minAge,
		logger:   logger.Named("cleaner"),
		now:      time.Now,
	}
}

// Run sweeps once per interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(); err != nil {
				c.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep removes stale regular files directly under the directory and
// returns how many were removed. A missing directory is created.
func (c *Cleaner) Sweep() (int, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", c.dir, err)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.dir, err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if c.now().Sub(info.ModTime()) < c.minAge {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		c.logger.Debug("removed stale file", zap.String("path", path))
	}
	if removed > 0 {
		c.logger.Info("tmp sweep", zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}
