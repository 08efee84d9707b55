// fsct-host runs the FSCT host driver as a foreground service: it watches
// for FSCT-capable USB devices and projects registered players' media state
// onto them until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/pflag"

	"github.com/HEM-RnD/fsct-host/internal/config"
	"github.com/HEM-RnD/fsct-host/internal/driver"
	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/internal/watcher"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to YAML configuration file")
		logLevel   = pflag.StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	)
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	logHostDiagnostics(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usbHost := usb.NewHost(logger)
	defer usbHost.Close()
	source := watcher.NewPlatformSource(usbHost, logger)

	drv := driver.New(cfg, logger, source, usbHost)
	svc, err := drv.Run(ctx)
	if err != nil {
		logger.Fatal("failed to start driver", "err", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	svc.Stop()
}

// logHostDiagnostics records the environment the service came up in; handy
// when a field report arrives with nothing but a log file.
func logHostDiagnostics(logger *log.Logger) {
	if info, err := host.Info(); err == nil {
		logger.Info("host",
			"os", info.OS,
			"platform", fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion),
			"kernel", info.KernelVersion,
			"uptime_s", info.Uptime)
	}
	if cores, err := cpu.Counts(true); err == nil {
		logger.Debug("cpu", "logical_cores", cores)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		logger.Debug("memory",
			"total_mb", vm.Total/1024/1024,
			"available_mb", vm.Available/1024/1024)
	}
}
