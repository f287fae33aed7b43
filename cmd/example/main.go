package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nicktill/tinymc/pkg/config"
	"github.com/nicktill/tinymc/pkg/sdk"
	"github.com/nicktill/tinymc/pkg/sdk/httpx"
	"github.com/nicktill/tinymc/pkg/sdk/runtime"
)

var startTime = time.Now()

type options struct {
	configPath    string
	workers       int
	iterations    int
	rounds        int
	roundInterval time.Duration
	serveAddr     string
	collectGo     bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.New()
	opts := options{}

	cmd := &cobra.Command{
		Use:          "example",
		Short:        "example drives a tinymc client with synthetic load.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, opts.configPath)
			if err != nil {
				return err
			}
			log, flushLog, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer flushLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg.Client, opts, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a config file (yaml, json or toml)")
	flags.String("send-api", config.DefaultSendAPI, "Gateway send endpoint")
	flags.String("token", "", "App token sent in X-App-Token")
	flags.Duration("flush-interval", config.DefaultFlushInterval, "Delay between the first recording and its flush")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.IntVar(&opts.workers, "workers", 50, "Concurrent workers per round")
	flags.IntVar(&opts.iterations, "iterations", 100, "Recordings of each kind per worker")
	flags.IntVar(&opts.rounds, "rounds", 0, "Rounds to run, 0 runs until interrupted")
	flags.DurationVar(&opts.roundInterval, "round-interval", time.Second, "Pause between rounds")
	flags.StringVar(&opts.serveAddr, "serve", "", "Also serve instrumented demo endpoints on this address")
	flags.BoolVar(&opts.collectGo, "runtime", true, "Record Go runtime metrics")
	bindFlag(v, "client.send_api", cmd, "send-api")
	bindFlag(v, "client.token", cmd, "token")
	bindFlag(v, "client.flush_interval", cmd, "flush-interval")
	bindFlag(v, "log.level", cmd, "log-level")

	return cmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, opts options, log logr.Logger) error {
	client, err := sdk.New(sdk.ClientConfig{
		SendAPI:       cfg.SendAPI,
		Token:         cfg.Token,
		FlushInterval: cfg.FlushInterval,
		Daemon:        cfg.Daemon,
		MaxBatchSize:  cfg.MaxBatchSize,
		RetryDelay:    cfg.RetryDelay,
		Timeout:       cfg.Timeout,
		Logger:        log.WithName("tinymc"),
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Stop(); err != nil {
			log.Error(err, "final flush failed")
		}
	}()

	if opts.collectGo {
		collector := runtime.NewCollector(client, runtime.DefaultInterval)
		go collector.Start(ctx)
	}

	if opts.serveAddr != "" {
		mux := http.NewServeMux()
		setupHandlers(mux, client)
		server := &http.Server{Addr: opts.serveAddr, Handler: httpx.Middleware(client)(mux)}

		go func() {
			log.Info("serving demo endpoints", "addr", opts.serveAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "demo server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	gen := &loadGenerator{client: client, workers: opts.workers, iterations: opts.iterations}
	for round := 1; opts.rounds == 0 || round <= opts.rounds; round++ {
		start := time.Now()
		if err := gen.Round(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		log.V(1).Info("round finished", "round", round, "took", time.Since(start))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.roundInterval):
		}
	}
	return nil
}
