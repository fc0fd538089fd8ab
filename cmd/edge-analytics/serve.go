package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/edgeanalytics/internal/api"
	"github.com/mikeyg42/edgeanalytics/internal/config"
	"github.com/mikeyg42/edgeanalytics/internal/watcher"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		addr        string
		withWatcher bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				c.cfg.HTTP.ListenAddr = addr
			}
			if err := config.ValidateConfig(c.cfg, config.ModeServe); err != nil {
				return err
			}
			if withWatcher {
				if err := config.ValidateConfig(c.cfg, config.ModeWatch); err != nil {
					return err
				}
			}

			hub := api.NewProgressHub(api.OriginChecker(c.cfg.HTTP.AllowedOrigins), c.logger)
			app, err := NewApplication(cmd.Context(), c.cfg, c.logger, hub)
			if err != nil {
				return err
			}
			defer app.Cleanup()

			srv := api.NewServer(app.orchestrator, app.apiOptions(hub))
			cleaner := watcher.NewCleaner(c.cfg.Watch.TmpDir, c.cfg.Watch.CleanupInterval, 0, c.logger)
			tasks := []func(context.Context) error{srv.Run, cleaner.Run}

			if withWatcher {
				w, err := app.newWatcher()
				if err != nil {
					return err
				}
				tasks = append(tasks, w.Run)
			}
			return app.runAll(cmd.Context(), tasks...)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides EDGE_HTTP_ADDR)")
	cmd.Flags().BoolVar(&withWatcher, "watch", false, "also poll the watch directory")
	return cmd
}

func (app *Application) apiOptions(hub *api.ProgressHub) api.Options {
	cfg := app.cfg
	opts := api.Options{
		Addr:           cfg.HTTP.ListenAddr,
		TmpDir:         cfg.Watch.TmpDir,
		MaxUploadBytes: cfg.HTTP.MaxUploadMB << 20,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestsPerMin: cfg.HTTP.RequestsPerMin,
		Progress:       hub,
		Logger:         app.logger,
	}
	if app.prober != nil {
		opts.Availability = app.state
	}
	if app.publisher != nil {
		opts.Publisher = app.publisher
	}
	return opts
}
