package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/config"
	"github.com/mikeyg42/edgeanalytics/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

// cli carries what the root command resolves for its subcommands.
type cli struct {
	cfg    *config.Config
	logger *zap.Logger
	flush  func()

	flags globalFlags
}

// globalFlags mirror the environment; a flag only wins when it was set.
type globalFlags struct {
	logLevel      string
	logJSON       bool
	cloudURL      string
	healthURL     string
	keyDerivation string
	frameSkip     int
	codec         string
	policy        string
	colorSeed     uint64
	tmpDir        string
}

// newRootCmd builds the command tree. Call finish on the returned cli once
// Execute returns, whatever the outcome.
func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	defaults := config.NewDefaultConfig()

	root := &cobra.Command{
		Use:           "edge-analytics",
		Short:         "Annotate videos with detections from a remote analytics service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.cfg = config.Load()
			c.applyFlags(cmd.Flags())

			logger, flush, err := logging.Install(c.cfg.Log.Level, c.cfg.Log.JSON)
			if err != nil {
				return err
			}
			c.logger, c.flush = logger, flush
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.logLevel, "log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	pf.BoolVar(&c.flags.logJSON, "log-json", defaults.Log.JSON, "emit JSON logs")
	pf.StringVar(&c.flags.cloudURL, "cloud-url", defaults.Cloud.BaseURL, "base URL of the analytics service")
	pf.StringVar(&c.flags.healthURL, "health-url", defaults.Probe.HealthURL, "health endpoint to probe (empty disables probing)")
	pf.StringVar(&c.flags.keyDerivation, "key-derivation", defaults.Keys.Derivation, "key derivation: pad or argon2id")
	pf.IntVarP(&c.flags.frameSkip, "frame-skip", "n", defaults.Pipeline.FrameSkip, "dispatch every Nth frame")
	pf.StringVar(&c.flags.codec, "codec", defaults.Pipeline.OutputCodec, "output FourCC (empty picks by extension)")
	pf.StringVar(&c.flags.policy, "unavailable-policy", defaults.Pipeline.UnavailablePolicy, "hold or fail while the remote is unreachable")
	pf.Uint64Var(&c.flags.colorSeed, "color-seed", defaults.Pipeline.ColorSeed, "seed for per-class box colours")
	pf.StringVar(&c.flags.tmpDir, "tmp-dir", defaults.Watch.TmpDir, "scratch directory for uploads")

	root.AddCommand(
		newProcessCmd(c),
		newServeCmd(c),
		newWatchCmd(c),
		newProbeCmd(c),
	)
	return root, c
}

// finish flushes and uninstalls the logger. It is a no-op when the logger
// was never installed and safe to call more than once.
func (c *cli) finish() {
	if c.flush != nil {
		c.flush()
		c.flush = nil
	}
}

// applyFlags overlays explicitly set flags onto the env-derived config.
func (c *cli) applyFlags(fs *pflag.FlagSet) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { c.cfg.Log.Level = c.flags.logLevel })
	set("log-json", func() { c.cfg.Log.JSON = c.flags.logJSON })
	set("cloud-url", func() { c.cfg.Cloud.BaseURL = c.flags.cloudURL })
	set("health-url", func() { c.cfg.Probe.HealthURL = c.flags.healthURL })
	set("key-derivation", func() { c.cfg.Keys.Derivation = c.flags.keyDerivation })
	set("frame-skip", func() { c.cfg.Pipeline.FrameSkip = c.flags.frameSkip })
	set("codec", func() { c.cfg.Pipeline.OutputCodec = c.flags.codec })
	set("unavailable-policy", func() { c.cfg.Pipeline.UnavailablePolicy = c.flags.policy })
	set("color-seed", func() { c.cfg.Pipeline.ColorSeed = c.flags.colorSeed })
	set("tmp-dir", func() { c.cfg.Watch.TmpDir = c.flags.tmpDir })
}
