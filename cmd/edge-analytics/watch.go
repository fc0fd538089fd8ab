package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/edgeanalytics/internal/config"
	"github.com/mikeyg42/edgeanalytics/internal/watcher"
)

func newWatchCmd(c *cli) *cobra.Command {
	var (
		dir    string
		settle time.Duration
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Annotate videos dropped into a folder",
		Long: `Polls the watch directory for .mp4 and .webm files. Results go to
output/<stem>_with_detections.mp4 and inputs move to processed/ once done.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("dir") {
				c.cfg.Watch.Dir = dir
			}
			if cmd.Flags().Changed("settle") {
				c.cfg.Watch.SettleTime = settle
			}
			if err := config.ValidateConfig(c.cfg, config.ModeWatch); err != nil {
				return err
			}

			app, err := NewApplication(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer app.Cleanup()
			w, err := app.newWatcher()
			if err != nil {
				return err
			}

			if once {
				if app.prober != nil {
					app.prober.ProbeOnce(cmd.Context())
				}
				_, err := w.Scan(cmd.Context())
				return err
			}
			cleaner := watcher.NewCleaner(c.cfg.Watch.TmpDir, c.cfg.Watch.CleanupInterval, 0, c.logger)
			return app.runAll(cmd.Context(), w.Run, cleaner.Run)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch (overrides EDGE_WATCH_DIR)")
	cmd.Flags().DurationVar(&settle, "settle", 0, "leave files modified more recently than this (overrides EDGE_WATCH_SETTLE)")
	cmd.Flags().BoolVar(&once, "once", false, "scan a single time and exit")
	return cmd
}

func (app *Application) newWatcher() (*watcher.Watcher, error) {
	cfg := watcher.Config{
		Dir:          app.cfg.Watch.Dir,
		Interval:     app.cfg.Watch.Interval,
		SettleTime:   app.cfg.Watch.SettleTime,
		MaxRetries:   app.cfg.Watch.MaxRetries,
		RetryBackoff: app.cfg.Watch.RetryBackoff,
		Logger:       app.logger,
	}
	if app.publisher != nil {
		cfg.Publisher = app.publisher
	}
	return watcher.New(app.orchestrator, cfg)
}
