package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/config"
	"github.com/pubky/pubky-homeserver/homeserver/events"
	"github.com/pubky/pubky-homeserver/homeserver/keystore"
	"github.com/pubky/pubky-homeserver/homeserver/server"
	"github.com/pubky/pubky-homeserver/pkarr"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/log"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Run the homeserver",
		Example: "homeserverd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

func runServe(options serveOptions) error {
	cfg, err := config.Load(options.config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %w", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %w", err)
	}

	clk := clock.New(1)
	eventsLog := events.NewMemoryLog(clk)

	store, err := cfg.Storage.Config.Open(logger, clk, eventsLog, cfg.QuotaBytes)
	if err != nil {
		return fmt.Errorf("open storage backend %q: %w", cfg.Storage.Type, err)
	}
	sessions, err := cfg.Session.Config.Open(logger, clk)
	if err != nil {
		return fmt.Errorf("open session backend %q: %w", cfg.Session.Type, err)
	}

	tokenWindow := token.DefaultWindow
	if cfg.TokenWindow != "" {
		tokenWindow, err = time.ParseDuration(cfg.TokenWindow)
		if err != nil {
			return fmt.Errorf("invalid tokenWindow: %w", err)
		}
	}
	replay := token.NewReplayCache(clock.Timestamp(tokenWindow.Microseconds()))

	httpHandler := server.NewServer(server.Config{
		Store:              store,
		Sessions:           sessions,
		Events:             eventsLog,
		Replay:             replay,
		Clock:              clk,
		Logger:             logger,
		TokenWindow:        tokenWindow,
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowedHeaders:     cfg.AllowedHeaders,
		PrometheusRegistry: prometheusRegistry,
		CookieSecure:       cfg.CookieSecure,
	})

	republisher, err := newRepublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure pkarr republisher: %w", err)
	}

	healthChecker := gosundheit.New()
	if err := healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "store",
			CheckFunc: httpHandler.StoreHealthCheckFunc(),
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	}); err != nil {
		return fmt.Errorf("register store health check: %w", err)
	}
	if err := healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "events",
			CheckFunc: httpHandler.EventsHealthCheckFunc(),
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	}); err != nil {
		return fmt.Errorf("register events health check: %w", err)
	}

	var gr run.Group

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: httpHandler}
	defer httpSrv.Close()
	if err := newServerRunner("http", httpSrv, logger).RunAndShutdownGracefully(&gr); err != nil {
		return err
	}

	if cfg.TelemetryAddr != "" {
		telemetryMux := http.NewServeMux()
		telemetryMux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
		telemetryMux.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))
		telemetryMux.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})

		telemetrySrv := &http.Server{Addr: cfg.TelemetryAddr, Handler: telemetryMux}
		defer telemetrySrv.Close()
		if err := newServerRunner("telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		gr.Add(func() error {
			logger.Infof("starting pkarr republisher, interval=%s", republisher.interval)
			return republisher.republisher.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}

type wiredRepublisher struct {
	republisher *pkarr.Republisher
	interval    time.Duration
}

// newRepublisher wires the pkarr transport (HTTP relay if configured,
// otherwise the mainline DHT), resolver, publisher, and republisher from
// cfg.Pkarr, backed by an initially-empty keystore: nothing is known to
// republish until a signup path registers a user's keypair into it.
func newRepublisher(cfg *config.Config, logger log.Logger) (*wiredRepublisher, error) {
	var transport pkarr.Transport
	if len(cfg.Pkarr.Relays) > 0 {
		transport = pkarr.NewHTTPRelayTransport(cfg.Pkarr.Relays[0], http.DefaultClient)
	} else {
		dht, err := pkarr.NewDHTTransport(logger, pkarr.WithBootstrapAddrs(cfg.Pkarr.BootstrapNodes))
		if err != nil {
			return nil, fmt.Errorf("start DHT transport: %w", err)
		}
		transport = dht
	}

	resolver := pkarr.NewResolver(transport, pkarr.DefaultBackoff, logger)
	publisher := pkarr.NewPublisher(transport, resolver, logger)

	interval := pkarr.DefaultInterval
	if cfg.Pkarr.RepublishInterval != "" {
		d, err := time.ParseDuration(cfg.Pkarr.RepublishInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid pkarr.republishInterval: %w", err)
		}
		interval = d
	}
	staleness := 6 * time.Hour
	if cfg.Pkarr.Staleness != "" {
		d, err := time.ParseDuration(cfg.Pkarr.Staleness)
		if err != nil {
			return nil, fmt.Errorf("invalid pkarr.staleness: %w", err)
		}
		staleness = d
	}
	concurrency := cfg.Pkarr.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	keys := keystore.NewMemoryKeystore()
	republisher := pkarr.NewRepublisher(publisher, keys, interval, staleness, concurrency, logger)

	return &wiredRepublisher{republisher: republisher, interval: interval}, nil
}
