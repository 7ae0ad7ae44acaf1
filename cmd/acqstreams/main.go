// Package main implements the acquisition front-end: it scans the
// configured drivers, wires the devices into a session, bridges the
// datafeed to the configured outputs and runs the capture until the
// devices finish or a signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/acqstreams/config"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/drivers/demo"
	"github.com/c360/acqstreams/drivers/memla"
	"github.com/c360/acqstreams/drivers/modbusdmm"
	"github.com/c360/acqstreams/drivers/replay"
	"github.com/c360/acqstreams/drivers/streamla"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/output/natsfeed"
	"github.com/c360/acqstreams/output/wsfeed"
	"github.com/c360/acqstreams/session"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "acqstreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Capture failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		slog.Info("Configuration is valid", "path", cli.ConfigPath)
		return nil
	}

	metricsReg := metric.NewRegistry()
	stopMetrics := serveMetrics(cfg.MetricsAddr, metricsReg, logger)
	defer stopMetrics()

	registry := buildRegistry(logger, metricsReg)
	if cli.Scan {
		return scanDevices(registry, cfg, logger)
	}

	s := session.New(session.WithLogger(logger), session.WithMetrics(metricsReg))

	closeOutputs, err := attachOutputs(s, cfg, logger, metricsReg)
	if err != nil {
		return err
	}
	defer closeOutputs()
	if err := attachDevices(s, registry, cfg, logger); err != nil {
		return err
	}

	spec, err := cfg.TriggerSpec()
	if err != nil {
		return err
	}
	s.SetTrigger(spec)

	// A signal requests an asynchronous stop; the devices drain and the
	// blocking Run below returns once the feed has ended.
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	go func() {
		sig, ok := <-sigC
		if !ok {
			return
		}
		logger.Info("Stopping on signal", "signal", sig.String())
		s.Stop()
	}()

	if err := s.Start(); err != nil {
		return err
	}
	logger.Info("Capture running", "devices", len(s.Devices()))
	runErr := s.Run()

	for _, di := range s.Devices() {
		if err := di.Driver().Close(di); err != nil {
			logger.Warn("Device close failed", "device", di.ID, "error", err)
		}
	}
	s.RemoveDevices()
	if err := s.Close(); err != nil {
		logger.Warn("Session close failed", "error", err)
	}
	return runErr
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	if cli.ConfigPath == "" {
		slog.Info("No configuration file, using built-in demo setup")
		return config.Default(), nil
	}
	return config.Load(cli.ConfigPath)
}

func buildRegistry(logger *slog.Logger, metricsReg *metric.Registry) *device.Registry {
	registry := device.NewRegistry()
	for _, d := range []device.Driver{
		demo.NewDriver(demo.WithLogger(logger)),
		memla.NewDriver(memla.WithLogger(logger), memla.WithMetrics(metricsReg)),
		streamla.NewDriver(streamla.WithLogger(logger), streamla.WithMetrics(metricsReg)),
		modbusdmm.NewDriver(modbusdmm.WithLogger(logger)),
		replay.NewDriver(replay.WithLogger(logger)),
	} {
		// Names are distinct constants; registration cannot collide.
		_ = registry.Register(d)
	}
	return registry
}

func scanDevices(registry *device.Registry, cfg *config.Config, logger *slog.Logger) error {
	found := 0
	for _, dc := range cfg.Devices {
		drv, err := registry.Get(dc.Driver)
		if err != nil {
			return err
		}
		devices, err := drv.Scan(dc.DriverOptions())
		if err != nil {
			logger.Warn("Scan failed", "driver", dc.Driver, "error", err)
			continue
		}
		for _, di := range devices {
			found++
			fmt.Printf("%s: %s %s %s (%d channels)\n",
				dc.Driver, di.Vendor, di.Model, di.Version, len(di.Channels))
		}
	}
	fmt.Printf("%d device(s) found\n", found)
	return nil
}

func attachDevices(s *session.Session, registry *device.Registry, cfg *config.Config, logger *slog.Logger) error {
	for _, dc := range cfg.Devices {
		drv, err := registry.Get(dc.Driver)
		if err != nil {
			return err
		}
		opts := dc.DriverOptions()
		devices, err := drv.Scan(opts)
		if err != nil {
			logger.Warn("Scan failed", "driver", dc.Driver, "error", err)
			continue
		}
		if len(devices) == 0 {
			logger.Warn("No devices found", "driver", dc.Driver)
			continue
		}

		di := devices[0]
		if err := drv.Open(di); err != nil {
			return err
		}
		for key, value := range opts {
			if key == device.KeyConn {
				continue
			}
			if err := drv.ConfigSet(di, key, value); err != nil {
				return err
			}
		}
		applyChannelSelection(di, dc.Channels)

		if err := s.AddDevice(di); err != nil {
			return err
		}
		logger.Info("Device attached",
			"driver", dc.Driver, "model", di.Model, "channels", len(di.Channels))
	}

	if len(s.Devices()) == 0 {
		return fmt.Errorf("no devices available")
	}
	return nil
}

// applyChannelSelection enables exactly the configured channel indexes;
// an empty selection keeps the driver's default enablement.
func applyChannelSelection(di *device.Instance, selected []int) {
	if len(selected) == 0 {
		return
	}
	want := make(map[int]bool, len(selected))
	for _, idx := range selected {
		want[idx] = true
	}
	for _, ch := range di.Channels {
		ch.Enabled = want[ch.Index]
	}
}

func attachOutputs(s *session.Session, cfg *config.Config, logger *slog.Logger, metricsReg *metric.Registry) (func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Outputs.WebSocket.Enabled {
		opts := []wsfeed.Option{wsfeed.WithLogger(logger), wsfeed.WithMetrics(metricsReg)}
		if cfg.Outputs.WebSocket.Path != "" {
			opts = append(opts, wsfeed.WithPath(cfg.Outputs.WebSocket.Path))
		}
		ws := wsfeed.New(cfg.Outputs.WebSocket.Addr, opts...)
		if err := ws.Start(); err != nil {
			return cleanup, err
		}
		closers = append(closers, func() { _ = ws.Stop() })
		if err := s.AddDatafeedCallback(ws.Callback()); err != nil {
			return cleanup, err
		}
	}

	if cfg.Outputs.NATS.Enabled {
		opts := []natsfeed.Option{natsfeed.WithLogger(logger), natsfeed.WithMetrics(metricsReg)}
		if cfg.Outputs.NATS.SubjectPrefix != "" {
			opts = append(opts, natsfeed.WithSubjectPrefix(cfg.Outputs.NATS.SubjectPrefix))
		}
		nf := natsfeed.New(cfg.Outputs.NATS.URL, opts...)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := nf.Connect(ctx); err != nil {
			return cleanup, err
		}
		closers = append(closers, func() { _ = nf.Close() })
		if err := s.AddDatafeedCallback(nf.Callback()); err != nil {
			return cleanup, err
		}
	}
	return cleanup, nil
}

func serveMetrics(addr string, reg *metric.Registry, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.PrometheusRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)
	return func() { _ = srv.Close() }
}
