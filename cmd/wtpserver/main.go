// Command wtpserver runs the WTP server core against an LLRP reader,
// bridging tag reports into per-WISP reliable byte-stream connections and
// exposing Prometheus metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/wisp-ert/wtp/llrp"
	"github.com/wisp-ert/wtp/llrp/sim"
	"github.com/wisp-ert/wtp/wtpsrv"
)

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "", "Path to a YAML config file.")
		llrpAddr    = pflag.String("llrp-address", "", "Override the LLRP reader address.")
		metricsAddr = pflag.String("metrics-address", "", "Override the metrics HTTP listen address.")
		logLevel    = pflag.String("log-level", "", "Override the log level (debug, info, warn, error).")
		dryRun      = pflag.Bool("dry-run", false, "Run against a simulated LLRP reader instead of dialing one.")
		help        = pflag.Bool("help", false, "Display help text.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	cfg := wtpsrv.DefaultConfig()
	if *configPath != "" {
		loaded, err := wtpsrv.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *llrpAddr != "" {
		cfg.LLRPAddress = *llrpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddress = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	var client = newClient(*dryRun)
	reg := prometheus.NewRegistry()
	srv := wtpsrv.NewServer(cfg, client, reg, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", slog.String("err", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("wtpserver starting", slog.String("llrp_address", cfg.LLRPAddress), slog.String("metrics_address", cfg.MetricsAddress))
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("server stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
	metricsSrv.Shutdown(context.Background())
}

func newClient(dryRun bool) llrp.Client {
	if dryRun {
		return sim.New()
	}
	panic("wtpserver: a production LLRP client implementation is out of scope; run with --dry-run")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
