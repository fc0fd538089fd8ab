// Package availability tracks whether the remote analytics service is
// reachable. A Prober polls the health endpoint and publishes into a State
// that pipeline runs read at dispatch points.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is the probe period.
	DefaultInterval = 5 * time.Second
	// SuccessSentinel is the value of the health response's "error" field
	// that means the service is up.
	SuccessSentinel = 200

	maxHealthBody = 64 << 10
)

// Reporter is the read side consumed by pipeline runs.
type Reporter interface {
	Reachable() bool
}

// State is a concurrency-safe reachability cell.
type State struct {
	reachable atomic.Bool
	checkedAt atomic.Int64
	failures  atomic.Int64
}

// NewState returns a State with the given initial reachability.
func NewState(reachable bool) *State {
	s := &State{}
	s.reachable.Store(reachable)
	return s
}

// Reachable reports the last published reachability.
func (s *State) Reachable() bool {
	return s.reachable.Load()
}

// Set publishes a probe outcome observed at ts.
func (s *State) Set(reachable bool, ts time.Time) {
	s.reachable.Store(reachable)
	s.checkedAt.Store(ts.UnixNano())
	if reachable {
		s.failures.Store(0)
	} else {
		s.failures.Add(1)
	}
}

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	Reachable           bool      `json:"reachable"`
	CheckedAt           time.Time `json:"checked_at,omitzero"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	out := Snapshot{
		Reachable:           s.reachable.Load(),
		ConsecutiveFailures: s.failures.Load(),
	}
	if v := s.checkedAt.Load(); v > 0 {
		out.CheckedAt = time.Unix(0, v).UTC()
	}
	return out
}

// Prober polls a health URL and publishes the result.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	state    *State
	logger   *zap.Logger
	now      func() time.Time
}

// ProberConfig configures a Prober. Zero values take defaults.
type ProberConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewProber returns a Prober publishing into state.
func NewProber(cfg ProberConfig, state *State) (*Prober, error) {
	if cfg.URL == "" {
		return nil, errors.New("health URL is required")
	}
	if state == nil {
		return nil, errors.New("state is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = cfg.Interval
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}

	return &Prober{
		url:      cfg.URL,
		interval: cfg.Interval,
		client:   client,
		state:    state,
		logger:   logger.Named("availability"),
		now:      time.Now,
	}, nil
}

// Run probes immediately and then once per interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.ProbeOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs a single check, publishes it and returns the outcome.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	err := p.check(ctx)
	if ctx.Err() != nil {
		// Shutting down; a cancelled request says nothing about the remote.
		return p.state.Reachable()
	}
	reachable := err == nil
	was := p.state.Reachable()
	p.state.Set(reachable, p.now())

	switch {
	case reachable && !was:
		p.logger.Info("remote analytics service reachable", zap.String("url", p.url))
	case !reachable && was:
		p.logger.Warn("remote analytics service unreachable", zap.String("url", p.url), zap.Error(err))
	case !reachable:
		p.logger.Debug("remote analytics service still unreachable", zap.Error(err))
	}
	return reachable
}

type healthResponse struct {
	Error *float64 `json:"error"` // 200 and 200.0 are the same sentinel
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()

	var body healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHealthBody)).Decode(&body); err != nil {
		return fmt.Errorf("decode health response (status %d): %w", resp.StatusCode, err)
	}
	if body.Error == nil {
		return errors.New("health response missing error field")
	}
	if *body.Error != SuccessSentinel {
		return fmt.Errorf("health response reported %v", *body.Error)
	}
	return nil
}
