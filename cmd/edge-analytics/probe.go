package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/edgeanalytics/internal/availability"
	"github.com/mikeyg42/edgeanalytics/internal/config"
)

var errUnreachable = errors.New("remote analytics service unreachable")

func newProbeCmd(c *cli) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether the analytics service is reachable",
		Long: `Performs one health check and prints the result as JSON. Exits non-zero
when the service is unreachable. With --follow, keeps probing and logs
reachability changes until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ValidateConfig(c.cfg, config.ModeProbe); err != nil {
				return err
			}

			state := availability.NewState(false)
			prober, err := availability.NewProber(availability.ProberConfig{
				URL:      c.cfg.Probe.HealthURL,
				Interval: c.cfg.Probe.Interval,
				Logger:   c.logger,
			}, state)
			if err != nil {
				return err
			}

			if follow {
				err := prober.Run(cmd.Context())
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			reachable := prober.ProbeOnce(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(state.Snapshot()); err != nil {
				return err
			}
			if !reachable {
				return errUnreachable
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "probe continuously")
	return cmd
}
