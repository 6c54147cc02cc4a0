package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/monitoring"
)

// options are the persistent flags shared by every sub-command.
type options struct {
	configPath    string
	dbPath        string
	port          string
	virtual       bool
	virtualLeft   string
	virtualRight  string
	metricsListen string
	verbose       bool
	quiet         bool

	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "deckbot",
		Short: "deckbot drives a liquid-handling robot",
		Long: `deckbot homes, moves and calibrates a two-mount pipetting robot through
its Smoothie motion controller. With --virtual it runs against an in-memory
controller instead of a serial port.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initLogger()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "Robot configuration file (default "+config.DefaultConfigPath+" if present)")
	f.StringVar(&opts.dbPath, "db", "", "Calibration database, overrides database_path from the config")
	f.StringVar(&opts.port, "port", "", "Controller serial port, overrides serial_port from the config")
	f.BoolVar(&opts.virtual, "virtual", false, "Use an in-memory controller instead of the serial port")
	f.StringVar(&opts.virtualLeft, "virtual-left", "", "Pipette model reported on the left mount in virtual mode")
	f.StringVar(&opts.virtualRight, "virtual-right", "", "Pipette model reported on the right mount in virtual mode")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address while the command runs")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress diagnostic logging")

	root.AddCommand(
		newHomeCmd(opts),
		newMoveCmd(opts),
		newPositionsCmd(opts),
		newPipettesCmd(opts),
		newDisengageCmd(opts),
		newCalibrateCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// initLogger installs a zap logger behind monitoring.Logf.
func (o *options) initLogger() error {
	if o.quiet {
		monitoring.SetLogger(nil)
		return nil
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if o.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	o.logger = logger
	monitoring.SetLogger(logger.Sugar().Infof)
	return nil
}
