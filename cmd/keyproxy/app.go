package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/event"
	"github.com/HerbHall/keyproxy/internal/metrics"
	"github.com/HerbHall/keyproxy/internal/proxy"
	"github.com/HerbHall/keyproxy/internal/pulse"
	"github.com/HerbHall/keyproxy/internal/server"
	"github.com/HerbHall/keyproxy/internal/state"
	"github.com/HerbHall/keyproxy/internal/version"
	"github.com/HerbHall/keyproxy/internal/ws"
)

// app is the composition root: every long-lived component of a running
// instance.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store       state.Store
	bus         *event.Bus
	monitor     *pulse.Monitor
	sweep       *pulse.Scheduler
	reports     *pulse.ReportScheduler
	events      *ws.Handler
	maintenance *proxy.Maintenance
	handler     *proxy.Handler
	admin       *server.Server
	proxySrv    *http.Server
	metricsReg  *prometheus.Registry
}

// newApp wires all components. Nothing is started.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	st, err := state.Open(ctx, cfg.State, version.Short())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	logger.Info("state store opened", zap.String("driver", cfg.State.Driver))

	a := &app{cfg: cfg, logger: logger, store: st}

	a.metricsReg = prometheus.NewRegistry()
	a.metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher, err := pulse.BuildDispatcher(cfg.Notify, logger.Named("notify"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build notifiers: %w", err)
	}
	logger.Info("notification channels configured", zap.Strings("channels", dispatcher.Channels()))

	registry := cfg.Registry()
	a.bus = event.NewBus(logger.Named("event"))
	a.monitor = pulse.NewMonitor(pulse.ConfigFrom(cfg), registry, st,
		pulse.NewHTTPChecker(cfg.Proxy.ProbeMaxRedirects, cfg.Proxy.ServerName),
		dispatcher,
		logger.Named("pulse"),
		pulse.WithBus(a.bus),
		pulse.WithCollectors(pulse.NewCollectors(a.metricsReg)),
	)
	if cfg.Sweep.Interval > 0 {
		a.sweep = pulse.NewProbeSweep(a.monitor, cfg.Sweep.Interval, cfg.Sweep.Workers, logger.Named("sweep"))
	}
	a.reports = pulse.NewReportScheduler(cfg.Report.Schedule, func(ctx context.Context) (pulse.Report, error) {
		return a.monitor.SendReport(ctx)
	}, logger.Named("report"))

	recorder := metrics.NewRecorder(st, metrics.Options{
		Persist:    cfg.Monitoring.EnableMetrics,
		Retention:  cfg.Monitoring.Retention(),
		Registerer: a.metricsReg,
	}, logger.Named("metrics"))

	a.maintenance = proxy.NewMaintenance(cfg.Proxy.Maintenance)
	a.handler = proxy.NewHandler(proxy.Deps{
		Router:      proxy.NewRouter(cfg.Proxy.IDHeaders, registry),
		Forwarder:   proxy.NewForwarder(cfg.Proxy.MaxRedirects, cfg.Proxy.ServerName),
		Guard:       proxy.NewGuard(st, clock.Real(), logger.Named("guard")),
		Health:      a.monitor,
		Metrics:     recorder,
		Maintenance: a.maintenance,
		ServerName:  cfg.Proxy.ServerName,
		Debug:       cfg.Proxy.Debug,
		Logger:      logger.Named("proxy"),
	})
	a.proxySrv = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Admin.Listen != "" {
		a.events = ws.NewHandler(a.bus, logger.Named("ws"))
		a.admin = server.New(server.Deps{
			Registry:    registry,
			Store:       st,
			Monitor:     a.monitor,
			Maintenance: a.maintenance,
			Events:      a.events,
			Gatherer:    a.metricsReg,
			Registerer:  a.metricsReg,
			Admin:       cfg.Admin,
			Logger:      logger.Named("admin"),
		})
	}
	return a, nil
}

// start launches the monitor and the background schedulers.
func (a *app) start(ctx context.Context) error {
	a.monitor.Start()
	if a.sweep != nil {
		a.sweep.Start(ctx)
	}
	if err := a.reports.Start(ctx); err != nil {
		return fmt.Errorf("start report scheduler: %w", err)
	}
	return nil
}

// serve runs the listeners until ctx is cancelled or one of them fails,
// then shuts both down.
func (a *app) serve(ctx context.Context, proxyLn, adminLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("proxy listening", zap.String("addr", proxyLn.Addr().String()))
		if err := a.proxySrv.Serve(proxyLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})
	if a.admin != nil && adminLn != nil {
		g.Go(func() error {
			return a.admin.Serve(adminLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := a.proxySrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("proxy shutdown: %w", err))
		}
		if a.admin != nil {
			if err := a.admin.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// close stops background work and releases the store. Listeners must be
// shut down first so no request is in flight.
func (a *app) close() error {
	if a.sweep != nil {
		a.sweep.Stop()
	}
	a.reports.Stop()
	if a.events != nil {
		a.events.Close()
	}
	a.monitor.Stop()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	return nil
}
