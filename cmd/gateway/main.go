package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nicktill/tinymc/pkg/config"
	"github.com/nicktill/tinymc/pkg/gateway"
	"github.com/nicktill/tinymc/pkg/httpx"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
)

var startTime = time.Now()

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "gateway receives metric batches from tinymc clients.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
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
			return run(ctx, cfg.Gateway, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a config file (yaml, json or toml)")
	flags.String("addr", config.DefaultGatewayAddr, "Listen address")
	flags.String("token", "", "App token clients must send in X-App-Token")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	bindFlag(v, "gateway.addr", cmd, "addr")
	bindFlag(v, "gateway.token", cmd, "token")
	bindFlag(v, "log.level", cmd, "log-level")

	return cmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, cfg config.GatewayConfig, log logr.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	return serve(ctx, ln, cfg, log)
}

// serve runs the gateway on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, ln net.Listener, cfg config.GatewayConfig, log logr.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, err := gateway.NewHandler(gateway.Config{
		Token:      cfg.Token,
		Logger:     log.WithName("gateway"),
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.Run(hubCtx)
	}()

	router := mux.NewRouter()
	handler.Register(router)
	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server shutdown")
	}

	cancel()
	wg.Wait()
	log.Info("gateway stopped")
	return nil
}

// handleHealth returns service health status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = httpx.RespondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(startTime).String(),
	})
}
