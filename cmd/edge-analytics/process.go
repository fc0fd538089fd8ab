package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/config"
	"github.com/mikeyg42/edgeanalytics/internal/pipeline"
	"github.com/mikeyg42/edgeanalytics/internal/video"
)

func newProcessCmd(c *cli) *cobra.Command {
	var (
		output string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "process <input>",
		Short: "Annotate a single video file",
		Long: `Reads the input video, sends every Nth frame to the analytics service and
writes a copy with the returned detections drawn on. The output defaults to
<stem>_with_detections.<ext> next to the input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ValidateConfig(c.cfg, config.ModeProcess); err != nil {
				return err
			}

			input := args[0]
			if output == "" {
				output = filepath.Join(filepath.Dir(input), video.OutputName(filepath.Base(input), ""))
			}

			var observers []pipeline.Observer
			if !quiet {
				observers = append(observers, newProgressObserver(cmd.ErrOrStderr(), filepath.Base(input)))
			}
			app, err := NewApplication(cmd.Context(), c.cfg, c.logger, observers...)
			if err != nil {
				return err
			}
			defer app.Cleanup()

			runID := uuid.NewString()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var (
				out    string
				runErr error
			)
			err = app.runAll(ctx, func(ctx context.Context) error {
				defer cancel()
				out, runErr = app.orchestrator.Run(pipeline.WithRunID(ctx, runID), input, output)
				return nil
			})
			if runErr != nil {
				return runErr
			}
			if err != nil {
				return err
			}

			if key := app.publish(cmd.Context(), runID, out); key != "" {
				c.logger.Info("artifact uploaded", zap.String("key", key), zap.String("run_id", runID))
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

// progressObserver renders run progress on a terminal.
type progressObserver struct {
	w    io.Writer
	desc string
	bar  *progressbar.ProgressBar
}

func newProgressObserver(w io.Writer, desc string) *progressObserver {
	return &progressObserver{w: w, desc: desc}
}

func (p *progressObserver) RunStarted(e pipeline.RunStart) {
	total := e.TotalFrames
	if total <= 0 {
		total = -1 // spinner
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(p.desc),
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowIts(),
	)
}

func (p *progressObserver) FrameProcessed(pipeline.Progress) {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *progressObserver) RunFinished(e pipeline.RunResult) {
	if p.bar == nil {
		return
	}
	if e.Err == nil {
		_ = p.bar.Finish()
	} else {
		_ = p.bar.Exit()
	}
	fmt.Fprintln(p.w)
}
