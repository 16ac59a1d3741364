package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syedahafsa12/minihafsa/approval"
	"github.com/syedahafsa12/minihafsa/config"
	"github.com/syedahafsa12/minihafsa/dashboard"
	"github.com/syedahafsa12/minihafsa/dispatch"
	"github.com/syedahafsa12/minihafsa/events"
	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/loop"
	"github.com/syedahafsa12/minihafsa/metrics"
	"github.com/syedahafsa12/minihafsa/relay"
	"github.com/syedahafsa12/minihafsa/retry"
	"github.com/syedahafsa12/minihafsa/schedule"
	"github.com/syedahafsa12/minihafsa/vault"
)

// App bundles one run's wired components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	vault      *vault.Vault
	bus        *events.Bus
	activity   *logging.Logger
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Workflow
	dashboard  *dashboard.Projector
	loop       *loop.Loop
	watcher    *vault.Watcher
	relay      *relay.Relay
	natsConn   *nats.Conn
	metricsSrv *http.Server
}

// newApp wires every component per the configuration. Optional pieces
// (vault watcher, event relay, metrics endpoint) are only built when
// configured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	v, err := vault.New(cfg.Loop.VaultPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	a.vault = v

	a.bus = events.New(logger)
	events.InitGlobal(a.bus)

	logPath := cfg.Loop.LogPath
	if logPath == "" {
		logPath = v.LogsPath()
	}
	activity, err := logging.New(logging.Config{
		Path:    logPath,
		Console: cfg.Logging.Console,
	}, a.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	a.activity = activity

	if retention := cfg.Logging.Retention(); retention > 0 {
		removed, err := activity.Cleanup(retention)
		if err != nil {
			logger.Warn("Activity log cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("Pruned activity logs",
				"files", removed, "retention_days", cfg.Logging.RetentionDays)
		}
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	executor := retry.New(retry.Config{
		Attempts:  cfg.Loop.RetryAttempts,
		BackoffMS: cfg.Loop.RetryBackoffMS,
	}, logger)

	disp, err := dispatch.New(cfg.Dispatcher, dispatch.Deps{
		Bus:      a.bus,
		Activity: activity,
		Executor: executor,
		Logger:   logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	a.dispatcher = disp

	approvals, err := approval.New(approval.Deps{
		Vault:    v,
		Bus:      a.bus,
		Activity: activity,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build approval workflow: %w", err)
	}
	a.approvals = approvals

	if err := disp.Register(ctx, approval.NewAgent(approvals, activity)); err != nil {
		return nil, fmt.Errorf("register approval agent: %w", err)
	}

	dash, err := dashboard.New(dashboard.Config{
		Path:              cfg.Loop.DashboardPath,
		HistorySize:       cfg.Dashboard.HistorySize,
		RefreshDebounceMS: cfg.Dashboard.RefreshDebounceMS,
	}, dashboard.Deps{Bus: a.bus, Activity: activity, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build dashboard: %w", err)
	}
	dash.Observe(a.bus)
	a.dashboard = dash

	var changes <-chan vault.Change
	if cfg.Watcher.Enabled {
		w, err := vault.NewWatcher(v, cfg.Watcher.WatcherConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("build vault watcher: %w", err)
		}
		a.watcher = w
		changes = w.Changes()
	}

	lp, err := loop.New(cfg.Loop, loop.Deps{
		Vault:      v,
		Scheduler:  schedule.New(cfg.Scheduler),
		Dispatcher: disp,
		Approvals:  approvals,
		Dashboard:  dash,
		Bus:        a.bus,
		Activity:   activity,
		Metrics:    a.metrics,
		Logger:     logger,
		Changes:    changes,
	})
	if err != nil {
		return nil, fmt.Errorf("build loop: %w", err)
	}
	a.loop = lp

	if cfg.NATS.URL != "" {
		conn, err := relay.Dial(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.natsConn = conn
		rl, err := relay.New(relay.Config{SubjectPrefix: cfg.NATS.SubjectPrefix}, a.bus, conn, logger)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("build relay: %w", err)
		}
		a.relay = rl
	}

	return a, nil
}

// Start brings up the optional watcher and metrics endpoint, then the
// loop driver.
func (a *App) Start(ctx context.Context) error {
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start vault watcher: %w", err)
		}
	}

	if a.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			a.logger.Info("Metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	if err := a.loop.Start(ctx); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	return nil
}

// Shutdown stops in dependency order: the loop first so nothing new
// executes, then the feeders and sinks.
func (a *App) Shutdown() {
	if a.loop != nil && a.loop.State().Status != loop.StatusStopped {
		if err := a.loop.Stop(); err != nil {
			a.logger.Warn("Loop stop failed", "error", err)
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Watcher stop failed", "error", err)
		}
	}
	if a.dashboard != nil {
		a.dashboard.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", "error", err)
		}
		a.natsConn.Close()
	}
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Metrics endpoint shutdown failed", "error", err)
		}
	}
	if a.activity != nil {
		if err := a.activity.Close(); err != nil {
			a.logger.Warn("Activity log close failed", "error", err)
		}
	}
}
