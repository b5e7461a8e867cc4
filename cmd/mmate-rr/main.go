// Command mmate-rr runs responders, single calls and load against a broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-reqreply"
	"github.com/glimte/mmate-reqreply/health"
	"github.com/glimte/mmate-reqreply/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	rootCmd := &cobra.Command{
		Use:           "mmate-rr",
		Short:         "Request/reply over RabbitMQ or NATS",
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// without an explicit URL, pick the default for the chosen transport
		if !flags.Changed("url") && os.Getenv("MMATE_URL") == "" {
			cfg.URL = defaultURL(cfg.Transport)
		}
	}
	flags.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Transport: rabbitmq or nats")
	flags.StringVarP(&cfg.URL, "url", "u", cfg.URL, "Broker URL")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")
	flags.DurationVar(&cfg.SweepInterval, "sweep", cfg.SweepInterval, "Expired request sweep interval")
	flags.IntVar(&cfg.Listeners, "listeners", cfg.Listeners, "Reply workers per reply subscription")
	flags.StringVar(&cfg.Correlation, "correlation", cfg.Correlation, "Correlation: client or message-id")
	flags.StringVar(&cfg.ReplyMode, "reply-mode", cfg.ReplyMode, "Reply destination: gateway, call or persistent")
	flags.StringVar(&cfg.ReplyName, "reply-name", cfg.ReplyName, "Persistent reply destination name")
	flags.StringVar(&cfg.SelectorHeader, "selector-header", cfg.SelectorHeader, "Header isolating persistent replies per gateway")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics and /healthz on this address")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable debug logging")

	rootCmd.AddCommand(
		newRespondCommand(&cfg),
		newCallCommand(&cfg),
		newBenchCommand(&cfg),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runtime is a connected client plus its observability endpoint
type runtime struct {
	client   *mmate.Client
	registry *prometheus.Registry
	logger   *slog.Logger
	server   *http.Server
}

func connect(ctx context.Context, cfg *Config) (*runtime, error) {
	logger := cfg.logger()
	registry := prometheus.NewRegistry()
	collector, err := metrics.NewRegisteredCollector(registry)
	if err != nil {
		return nil, err
	}

	opts := []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithMetrics(collector),
	}

	var client *mmate.Client
	switch cfg.Transport {
	case "rabbitmq", "amqp":
		client, err = mmate.NewClient(ctx, cfg.URL, opts...)
	case "nats":
		client, err = mmate.NewNATSClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q (want rabbitmq or nats)", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{client: client, registry: registry, logger: logger}
	if cfg.MetricsAddr != "" {
		rt.serve(cfg.MetricsAddr)
	}
	return rt, nil
}

func (rt *runtime) serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.Handle("/healthz", health.NewHandler(rt.client.Health(), 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())

	rt.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	rt.logger.Info("serving metrics and health", "addr", addr)
}

func (rt *runtime) Close() error {
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.server.Shutdown(ctx)
	}
	return rt.client.Close()
}
