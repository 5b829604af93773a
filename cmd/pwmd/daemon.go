package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pwmd/internal/config"
	pwmdbus "pwmd/internal/dbus"
	"pwmd/internal/logging"
	"pwmd/internal/metrics"
	"pwmd/internal/pwm"
	"pwmd/internal/sysfs"
	"pwmd/internal/web"
)

const drainTimeout = 5 * time.Second

type daemon struct {
	cfg   config.Config
	log   *slog.Logger
	reg   *pwm.Registry
	prom  *prometheus.Registry
	svc   *pwmdbus.Service
	chips []pwm.ChipInfo
}

// newDaemon builds everything that does not need the bus: the sysfs
// bridge, the registry (with chip discovery), metrics and the call service.
func newDaemon(cfg config.Config, log *slog.Logger) (*daemon, error) {
	bridge := sysfs.New(cfg.Sysfs.Root)
	reg := pwm.NewRegistry(bridge, pwm.Config{
		ExportSettle: cfg.Sysfs.ExportSettle,
		Logger:       log,
	})
	chips, err := reg.Discover()
	if err != nil {
		return nil, fmt.Errorf("sysfs root %s: %w", bridge.Root(), err)
	}
	if len(chips) == 0 {
		log.Warn("no pwm chips found", "root", bridge.Root())
	}
	for _, c := range chips {
		log.Info("pwm chip", "chip", c.Index, "npwm", c.Npwm)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(prom, reg)

	svc := pwmdbus.NewService(reg, pwmdbus.Config{
		CallTimeout: cfg.DBus.CallTimeout,
		Logger:      log,
		Metrics:     m,
	})
	return &daemon{cfg: cfg, log: log, reg: reg, prom: prom, svc: svc, chips: chips}, nil
}

func (d *daemon) chipIndexes() []uint32 {
	out := make([]uint32, 0, len(d.chips))
	for _, c := range d.chips {
		out = append(out, c.Index)
	}
	return out
}

func run(parent context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := pwmdbus.Connect(cfg.DBus.Bus)
	if err != nil {
		return fmt.Errorf("connect %s bus: %w", cfg.DBus.Bus, err)
	}
	srv, err := pwmdbus.Serve(conn, d.svc, cfg.DBus.ServiceName, d.chipIndexes(), log)
	if err != nil {
		_ = conn.Close()
		return err
	}

	webCtx, stopWeb := context.WithCancel(context.Background())
	defer stopWeb()
	webErr := make(chan error, 1)
	if cfg.Web.Listen != "" {
		log.Info("diagnostics listening", "addr", cfg.Web.Listen)
		go func() { webErr <- web.Serve(webCtx, cfg.Web.Listen, d.reg, d.prom) }()
	}

	log.Info("pwmd started", "bus", cfg.DBus.Bus, "name", cfg.DBus.ServiceName, "root", cfg.Sysfs.Root)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("pwmd stopping", "reason", "signal")
	case <-d.svc.QuitRequested():
		log.Info("pwmd stopping", "reason", "quit")
	case err := <-webErr:
		runErr = fmt.Errorf("diagnostics server: %w", err)
		log.Error("pwmd stopping", "reason", "web", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := srv.Close(drainCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		runErr = errors.Join(runErr, err)
	}

	stopWeb()
	if cfg.Web.Listen != "" && runErr == nil {
		if err := <-webErr; err != nil {
			runErr = err
		}
	}
	return runErr
}
