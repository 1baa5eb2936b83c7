package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/ferryd/ferry/cmd/ferry-server/config"
	"github.com/ferryd/ferry/internal/ferry/metrics"
	"github.com/ferryd/ferry/internal/ferry/session"
	"github.com/ferryd/ferry/internal/ferry/transport"
)

var (
	configFile = flag.String("f", "configs/server.yaml", "path to the configuration file")
	version    = "0.1.0"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ferry server",
		zap.String("version", version),
		zap.String("build_time", buildTime))

	listener, err := transport.Listen(
		net.JoinHostPort(cfg.Listen.Host, fmt.Sprintf("%d", cfg.Listen.Port)), nil)
	if err != nil {
		logger.Fatal("failed to bind well-known port", zap.Error(err))
	}
	defer listener.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		addr := net.JoinHostPort(cfg.Metrics.Host, fmt.Sprintf("%d", cfg.Metrics.Port))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		logger.Info("metrics endpoint up",
			zap.String("addr", addr),
			zap.String("path", cfg.Metrics.Path))
	}

	srv := session.NewServer(listener, session.ServerConfig{
		MaxWindow:         cfg.Session.MaxWindow,
		RequestsPerSecond: cfg.Session.RequestsPerSecond,
		RequestBurst:      cfg.Session.RequestBurst,
		Logger:            logger,
		Metrics:           m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("server stopped", zap.Error(err))
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
			zc.Level = level
		}
	}
	return zc.Build()
}
