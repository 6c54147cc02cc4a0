package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/db"
	"github.com/banshee-data/deckbot/internal/labware"
	"github.com/banshee-data/deckbot/internal/monitoring"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/robot"
	"github.com/banshee-data/deckbot/internal/serialmux"
	"github.com/banshee-data/deckbot/internal/smoothie"
)

// link is a controller connection: a transport for the driver plus the read
// loop that feeds it.
type link interface {
	smoothie.Transport
	Monitor(ctx context.Context) error
	Close() error
}

// runtime is everything a command needs once the robot is up.
type runtime struct {
	cfg   *config.RobotConfig
	db    *db.DB
	robot *robot.Robot
}

// loadConfig reads the robot configuration and applies flag overrides.
func (o *options) loadConfig() (*config.RobotConfig, error) {
	cfg := config.EmptyRobotConfig()
	path := o.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.LoadRobotConfig(path); err != nil {
			return nil, err
		}
		monitoring.Logf("loaded robot config from %s", path)
	}
	if o.dbPath != "" {
		cfg.DatabasePath = &o.dbPath
	}
	if o.port != "" {
		cfg.SerialPort = &o.port
	}
	return cfg, nil
}

func (o *options) openLink(cfg *config.RobotConfig) (link, error) {
	if !o.virtual {
		return serialmux.NewRealSerialMux(cfg.PortOptions())
	}
	vc := smoothie.NewVirtualController(cfg.DriverConfig().HomedPosition)
	if o.virtualLeft != "" {
		vc.AttachPipette("L", o.virtualLeft, "virtual-left")
	}
	if o.virtualRight != "" {
		vc.AttachPipette("R", o.virtualRight, "virtual-right")
	}
	monitoring.Logf("using virtual controller")
	return serialmux.NewSerialMux(vc.Port()), nil
}

// openCatalog seeds the labware store and layers the legacy directory on
// top of it when one is configured.
func openCatalog(ctx context.Context, cfg *config.RobotConfig, database *db.DB) (labware.Catalog, error) {
	store := database.Labware()
	if err := labware.Seed(ctx, store, labware.Builtin()...); err != nil {
		return nil, err
	}
	if dir := cfg.GetLegacyLabwareDir(); dir != "" {
		return labware.NewMigratingCatalog(store, labware.NewLegacySource(dir)), nil
	}
	return store, nil
}

// withRobot opens the database and controller, builds the robot and runs
// fn. The controller read loop and the optional metrics server run
// alongside fn and stop when it returns.
func (o *options) withRobot(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.ApplyCalibration(ctx, cfg); err != nil {
		return fmt.Errorf("failed to apply stored calibration: %w", err)
	}
	catalog, err := openCatalog(ctx, cfg, database)
	if err != nil {
		return err
	}
	models := pipette.NewRegistry()
	if path := cfg.GetPipetteSettings(); path != "" {
		if models, err = pipette.LoadOverrides(path); err != nil {
			return err
		}
	}

	l, err := o.openLink(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := smoothie.NewMetrics(reg)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		if err := l.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("controller link: %w", err)
		}
		return nil
	})

	if o.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: o.metricsListen, Handler: mux}
		g.Go(func() error {
			monitoring.Logf("serving metrics on %s", o.metricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		defer cancel()
		d := smoothie.New(l, cfg.DriverConfig(), smoothie.WithMetrics(metrics))
		r, err := robot.New(runCtx, d, cfg, robot.WithCatalog(catalog), robot.WithPipetteModels(models))
		if err != nil {
			return err
		}
		return fn(runCtx, &runtime{cfg: cfg, db: database, robot: r})
	})
	return g.Wait()
}

// statusError is returned for a reply whose status is not a success.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.status)
}

// report prints body as indented JSON and turns a failing status into an
// error so the process exits non-zero.
func report(w io.Writer, status int, body any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return &statusError{status: status}
	}
	return nil
}
