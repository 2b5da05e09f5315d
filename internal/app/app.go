package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"gridsync/internal/bridge"
	"gridsync/internal/bus"
	"gridsync/internal/config"
	"gridsync/internal/demo"
	"gridsync/internal/grid"
	"gridsync/internal/metrics"
	"gridsync/internal/models"
	"gridsync/internal/sink"
	"gridsync/internal/transform"
)

// Component names used for lifecycle system events
const (
	componentBootstrap = "GridBootstrap"
	componentApp       = "GridSync"
)

// Status values reported on /healthz
const (
	statusConnected = "connected"
	statusDisabled  = "disabled"
)

// App owns every long-lived component of a running bridge.
type App struct {
	Config      *config.Config
	Logger      *logrus.Logger
	Grid        grid.Grid
	Sink        models.Option[*sink.SQLSink]
	Bus         models.Option[*bus.Publisher]
	Transformer *transform.Transformer
	Bridge      *bridge.Bridge
	Registry    *prometheus.Registry

	metricsServer *metrics.Server
	detach        func()
}

// New bootstraps the components described by cfg. Only a grid that cannot
// be started in any mode, or an invalid processor configuration, is fatal;
// an unreachable database or bus is logged and left disabled.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if err := transform.ValidateRules(&cfg.Processor); err != nil {
		return nil, fmt.Errorf("invalid processor configuration: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Sink:   models.None[*sink.SQLSink](),
		Bus:    models.None[*bus.Publisher](),
	}

	// The bus comes up first so a grid fallback can be reported on it.
	if cfg.Bus.Enabled() {
		p, err := bus.NewPublisher(ctx, cfg.Bus, logger)
		if err != nil {
			logger.Warnf("Event bus disabled: %v", err)
		} else {
			a.Bus = models.Some(p)
		}
	} else {
		logger.Info("Event bus not configured, publishing disabled")
	}

	g, err := grid.Connect(ctx, cfg.Grid, logger)
	if err != nil {
		a.closeBus()
		return nil, fmt.Errorf("failed to start grid: %w", err)
	}
	a.Grid = g

	if g.Mode() != cfg.Grid.Mode {
		if p, ok := a.Bus.Get(); ok {
			msg := fmt.Sprintf("Grid %s unreachable, running in %s fallback mode", cfg.Grid.Mode, g.Mode())
			if err := p.SendSystemEvent(ctx, componentBootstrap, models.LevelWarn, msg); err != nil {
				logger.Warnf("Failed to report grid fallback: %v", err)
			}
		}
	}

	if cfg.Database.Enabled() {
		s, err := sink.Open(ctx, cfg.Database, logger)
		if err == nil {
			if err = s.Migrate(ctx, cfg.Bridge.Table); err != nil {
				s.Close()
			}
		}
		if err != nil {
			logger.Warnf("Relational sink disabled: %v", err)
		} else {
			a.Sink = models.Some(s)
		}
	} else {
		logger.Info("Database not configured, persistence disabled")
	}

	bindings := transform.Bindings{Reader: transform.GridReader(g)}
	if p, ok := a.Bus.Get(); ok {
		bindings.Events = p
	}
	a.Transformer, err = transform.NewTransformer(&cfg.Processor, logger, bindings)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewBridge(a.Registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Bridge = bridge.New(bridge.ConfigFrom(cfg.Bridge), a.relationalSink(), a.eventBus(), a.Transformer, m, logger)
	return a, nil
}

func (a *App) relationalSink() models.Option[bridge.RelationalSink] {
	if s, ok := a.Sink.Get(); ok {
		return models.Some[bridge.RelationalSink](s)
	}
	return models.None[bridge.RelationalSink]()
}

func (a *App) eventBus() models.Option[bridge.EventBus] {
	if p, ok := a.Bus.Get(); ok {
		return models.Some[bridge.EventBus](p)
	}
	return models.None[bridge.EventBus]()
}

// Demo returns a runner for the sample workloads, sharing this app's grid,
// sinks and bridge.
func (a *App) Demo(pause time.Duration) *demo.Runner {
	store := models.None[demo.Store]()
	if s, ok := a.Sink.Get(); ok {
		store = models.Some[demo.Store](s)
	}
	events := models.None[demo.Events]()
	if p, ok := a.Bus.Get(); ok {
		events = models.Some[demo.Events](p)
	}
	var attached []string
	if a.detach != nil {
		attached = a.Config.Bridge.Maps
	}
	return demo.NewRunner(demo.Config{EventsTable: a.Config.Bridge.Table, SyncPause: pause},
		a.Grid, store, events, a.Bridge, attached, a.Logger)
}

// Start attaches the bridge to the configured maps and starts the metrics
// endpoint when an address is set.
func (a *App) Start(ctx context.Context) error {
	detach, err := a.Bridge.Attach(ctx, a.Grid, a.Config.Bridge.Maps)
	if err != nil {
		return err
	}
	a.detach = detach

	if a.Config.Metrics.Addr != "" {
		a.metricsServer = metrics.NewServer(a.Config.Metrics.Addr, a.Registry, a.Health, a.Logger)
		a.metricsServer.Start()
	}

	if p, ok := a.Bus.Get(); ok {
		msg := fmt.Sprintf("Bridge started on grid %s (%s mode)", a.Grid.Name(), a.Grid.Mode())
		if err := p.SendSystemEvent(ctx, componentApp, models.LevelInfo, msg); err != nil {
			a.Logger.Warnf("Failed to announce startup: %v", err)
		}
	}
	a.Logger.Infof("Sync bridge running on %v", a.Config.Bridge.Maps)
	return nil
}

// Health reports the state of each component
func (a *App) Health() metrics.Health {
	h := metrics.Health{
		Status:   "ok",
		Grid:     a.Grid.Name(),
		GridMode: a.Grid.Mode(),
		Database: statusDisabled,
		Bus:      statusDisabled,
	}
	if a.Grid.Mode() != a.Config.Grid.Mode {
		h.Status = "degraded"
	}
	if s, ok := a.Sink.Get(); ok {
		h.Database = statusConnected
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			h.Database = "unreachable"
			h.Status = "degraded"
		}
	}
	if _, ok := a.Bus.Get(); ok {
		h.Bus = statusConnected
	}
	return h
}

// Close detaches the bridge and shuts every component down. The grid closes
// before the sinks so pending events still reach them.
func (a *App) Close() error {
	var errs []error
	if a.detach != nil {
		a.detach()
		a.detach = nil
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.Grid != nil {
		if err := a.Grid.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close grid: %w", err))
		}
	}
	if s, ok := a.Sink.Get(); ok {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeBus()
	return errors.Join(errs...)
}

func (a *App) closeBus() {
	if p, ok := a.Bus.Get(); ok {
		p.Close()
	}
}
