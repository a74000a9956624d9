package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sshtrace/internal/config"
	"sshtrace/internal/engine"
	"sshtrace/internal/handlers"
	"sshtrace/internal/logging"
	"sshtrace/internal/metrics"
	"sshtrace/internal/plot"
	"sshtrace/internal/report"
)

func main() {
	if len(os.Args) < 2 {
		logging.GetLogger().Error("expected 'analyze' or 'serve' subcommands")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "analyze":
		analyzeCmd := flag.NewFlagSet("analyze", flag.ExitOnError)
		pcapFile := analyzeCmd.String("pcap", "", "Capture file to analyse.")
		configFile := analyzeCmd.String("config", "", "Path to the YAML configuration file.")
		asJSON := analyzeCmd.Bool("json", false, "Print the reports as JSON.")
		plotDir := analyzeCmd.String("plot-dir", "", "Directory receiving per-connection plots. Empty disables plotting.")
		port := analyzeCmd.Int("port", 0, "Server port of the connections to analyse (default from config, 22).")
		workers := analyzeCmd.Int("workers", 0, "Connections analysed in parallel (default from config).")
		logLevel := analyzeCmd.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat := analyzeCmd.String("log-format", "", "Log format (console, json)")
		if err := analyzeCmd.Parse(os.Args[2:]); err != nil {
			logging.GetLogger().Error("Failed to parse analyze flags", "error", err)
			os.Exit(1)
		}
		if *pcapFile == "" {
			logging.GetLogger().Error("-pcap is required")
			os.Exit(1)
		}
		cfg := loadConfig(*configFile, *logLevel, *logFormat)
		if *port > 0 {
			cfg.Capture.Ports = []uint16{uint16(*port)}
		}
		if *workers > 0 {
			cfg.Engine.Workers = *workers
		}
		validate(cfg)
		runAnalyze(cfg, *pcapFile, *asJSON, *plotDir)

	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		addr := serveCmd.String("addr", "", "HTTP listen address (default from config, :8080).")
		configFile := serveCmd.String("config", "", "Path to the YAML configuration file.")
		logLevel := serveCmd.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat := serveCmd.String("log-format", "", "Log format (console, json)")
		if err := serveCmd.Parse(os.Args[2:]); err != nil {
			logging.GetLogger().Error("Failed to parse serve flags", "error", err)
			os.Exit(1)
		}
		cfg := loadConfig(*configFile, *logLevel, *logFormat)
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
		validate(cfg)
		runServe(cfg)

	default:
		logging.GetLogger().Error("expected 'analyze' or 'serve' subcommands", "command", os.Args[1])
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if any, applies the logging
// overrides and installs the global logger.
func loadConfig(path, logLevel, logFormat string) *config.Config {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			logging.GetLogger().Error("Failed to load configuration", "error", err)
			os.Exit(1)
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logging.InitLogger(cfg.Log.Level, cfg.Log.Format, nil)
	return cfg
}

func validate(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logging.GetLogger().Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
}

func runAnalyze(cfg *config.Config, pcapFile string, asJSON bool, plotDir string) {
	logger := logging.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, metrics.New(prometheus.NewRegistry()), logger)
	res, err := eng.Analyze(ctx, pcapFile)
	if err != nil {
		logger.Error("Analysis failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Analysis finished",
		"connections", res.Stats.Connections,
		"steppingStones", res.Stats.SteppingStones,
		"failures", res.Stats.Failures,
		"elapsed", time.Duration(res.Stats.Elapsed*float64(time.Second)))

	if asJSON {
		err = report.WriteJSON(os.Stdout, res.Reports, res.Stones)
	} else {
		err = report.WriteText(os.Stdout, res.Reports, res.Stones)
	}
	if err != nil {
		logger.Error("Failed to write report", "error", err)
		os.Exit(1)
	}

	if plotDir == "" {
		return
	}
	if err := os.MkdirAll(plotDir, 0o755); err != nil {
		logger.Error("Failed to create plot directory", "error", err)
		os.Exit(1)
	}
	for _, conn := range res.Connections {
		iatPath := filepath.Join(plotDir, fmt.Sprintf("connection-%d-iat-rtt.png", conn.ID))
		sizePath := filepath.Join(plotDir, fmt.Sprintf("connection-%d-payloads.png", conn.ID))
		for path, draw := range map[string]func() error{
			iatPath:  func() error { return plot.IATvsRTT(conn, iatPath) },
			sizePath: func() error { return plot.PayloadSizes(conn, sizePath) },
		} {
			if err := draw(); errors.Is(err, plot.ErrNoSamples) {
				logger.Debug("Nothing to plot", "connection", conn.ID, "file", path)
			} else if err != nil {
				logger.Warn("Failed to plot connection", "connection", conn.ID, "error", err)
			}
		}
	}
}

func runServe(cfg *config.Config) {
	logger := logging.GetLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	eng := engine.New(cfg, metrics.New(reg), logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, eng, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Gatherer:       reg,
		Logger:         logger,
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sshtrace listening", "address", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case <-sigCh:
		logger.Info("Received shutdown signal, stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Error stopping server", "error", err)
		}
		logger.Info("Server stopped.")
	}
}
