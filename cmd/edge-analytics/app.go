package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/edgeanalytics/internal/availability"
	"github.com/mikeyg42/edgeanalytics/internal/channel"
	"github.com/mikeyg42/edgeanalytics/internal/config"
	"github.com/mikeyg42/edgeanalytics/internal/crypto"
	"github.com/mikeyg42/edgeanalytics/internal/pipeline"
	"github.com/mikeyg42/edgeanalytics/internal/storage"
)

const storageCheckTimeout = 10 * time.Second

// Application holds the components shared by every subcommand.
type Application struct {
	cfg          *config.Config
	logger       *zap.Logger
	channel      *channel.SecureChannel
	state        *availability.State
	prober       *availability.Prober // nil when no health URL is configured
	publisher    *storage.Publisher   // nil unless MinIO is enabled
	orchestrator *pipeline.Orchestrator
}

// NewApplication builds the channel, the optional prober and publisher, and
// an orchestrator reporting to observers.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger, observers ...pipeline.Observer) (*Application, error) {
	ch, err := channel.New(channel.Config{
		BaseURL:       cfg.Cloud.BaseURL,
		EdgeSecret:    cfg.Keys.EdgeSecret,
		CloudSecret:   cfg.Keys.CloudSecret,
		KeyDerivation: crypto.KeyDerivation(cfg.Keys.Derivation),
		Timeout:       cfg.Cloud.DispatchTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create secure channel: %w", err)
	}

	app := &Application{
		cfg:     cfg,
		logger:  logger,
		channel: ch,
	}

	var reporter availability.Reporter
	if cfg.Probe.HealthURL != "" {
		app.state = availability.NewState(false)
		app.prober, err = availability.NewProber(availability.ProberConfig{
			URL:      cfg.Probe.HealthURL,
			Interval: cfg.Probe.Interval,
			Logger:   logger,
		}, app.state)
		if err != nil {
			return nil, fmt.Errorf("failed to create prober: %w", err)
		}
		reporter = app.state
	}

	if cfg.Storage.MinIO.Enabled {
		store, err := storage.NewMinIOStore(ctx, config.MinIOStoreConfig(cfg, cfg.Watch.MaxRetries), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		app.publisher = storage.NewPublisher(store, cfg.Storage.MinIO.Prefix, logger)

		hctx, cancel := context.WithTimeout(ctx, storageCheckTimeout)
		err = app.publisher.HealthCheck(hctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("object store not usable: %w", err)
		}
	}

	app.orchestrator, err = pipeline.New(ch, pipeline.Options{
		FrameSkip:    cfg.Pipeline.FrameSkip,
		Codec:        cfg.Pipeline.OutputCodec,
		JPEGQuality:  cfg.Pipeline.JPEGQuality,
		ColorSeed:    cfg.Pipeline.ColorSeed,
		Availability: reporter,
		Policy:       pipeline.UnavailablePolicy(cfg.Pipeline.UnavailablePolicy),
		Observer:     pipeline.Observers(observers),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	logger.Info("application ready",
		zap.String("endpoint", ch.Endpoint()),
		zap.Int("frame_skip", cfg.Pipeline.FrameSkip),
		zap.Bool("probing", app.prober != nil),
		zap.Bool("publishing", app.publisher != nil))
	return app, nil
}

// runAll runs the prober (when configured) and tasks under one errgroup.
// The first failure cancels the rest; a plain shutdown is not an error.
func (app *Application) runAll(ctx context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	if app.prober != nil {
		// Settle reachability before any run can consult it.
		app.prober.ProbeOnce(gctx)
		g.Go(func() error { return app.prober.Run(gctx) })
	}
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// publish uploads out when a publisher is configured and returns the key.
func (app *Application) publish(ctx context.Context, runID, out string) string {
	if app.publisher == nil {
		return ""
	}
	key, err := app.publisher.Publish(ctx, runID, out)
	if err != nil {
		app.logger.Warn("publish artifact", zap.String("path", out), zap.Error(err))
		return ""
	}
	return key
}

// Cleanup reports what was uploaded during the process lifetime.
func (app *Application) Cleanup() {
	if app.publisher != nil {
		app.logger.Info("storage metrics", zap.Any("metrics", app.publisher.Metrics()))
	}
}
