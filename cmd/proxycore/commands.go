package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nginxkit/proxycore/internal/config"
	"github.com/nginxkit/proxycore/internal/headerfilter"
	"github.com/nginxkit/proxycore/internal/keepalive"
	"github.com/nginxkit/proxycore/internal/metricsreg"
	"github.com/nginxkit/proxycore/internal/proxy"
	"github.com/nginxkit/proxycore/internal/proxylog"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "proxycore",
		Short: "A header-rewriting, connection-pooling reverse proxy",
		Long: `proxycore fronts one or more HTTP upstreams, rewriting response and
request headers per configured rules and reusing idle backend
connections from a bounded per-upstream pool.`,
		SilenceUsage: true,
	}
	root.AddCommand(runCmd(), validateCmd())
	return root
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "proxycore.toml", "path to the TOML configuration file")
	return cmd
}

func validateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file without serving traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath)
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "proxycore.toml", "path to the TOML configuration file")
	return cmd
}

func runProxy(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := proxylog.New(proxylog.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	poolMetrics := metricsreg.NewPoolMetrics(reg)
	filterMetrics := metricsreg.NewFilterMetrics(reg)

	filterCfg, err := cfg.BuildHeaderFilterConfig(filterMetrics)
	if err != nil {
		return err
	}
	filter := headerfilter.NewFilter(filterCfg)

	balancer := keepalive.NewRoundRobin(cfg.Proxy.Upstreams)
	poolCfg, err := cfg.BuildKeepaliveConfig(balancer, poolMetrics)
	if err != nil {
		return err
	}
	pool := keepalive.NewPool(poolCfg, log)
	defer pool.Close()

	handler := &proxy.Handler{
		Pool:        pool,
		Filter:      filter,
		DialTimeout: 5 * time.Second,
		Log:         log,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: metricsMux}
	proxySrv := &http.Server{Addr: cfg.Proxy.Listen, Handler: handler}

	var servers errgroup.Group
	servers.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	servers.Go(func() error {
		log.Info("proxy listening", zap.String("addr", cfg.Proxy.Listen))
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt)
	<-shutdown
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	proxySrv.Shutdown(ctx)
	metricsSrv.Shutdown(ctx)

	if err := servers.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	return nil
}
