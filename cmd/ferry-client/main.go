package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/ferryd/ferry/cmd/ferry-client/config"
	"github.com/ferryd/ferry/internal/ferry/session"
	"github.com/ferryd/ferry/internal/ferry/transport"
)

var (
	configFile = flag.String("f", "configs/client.yaml", "path to the configuration file")
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
	if cfg.Transfer.Filename == "" {
		fmt.Fprintln(os.Stderr, "no filename configured")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ferry client",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("filename", cfg.Transfer.Filename))

	conn, err := transport.Listen("0.0.0.0:0", nil)
	if err != nil {
		logger.Fatal("failed to bind socket", zap.Error(err))
	}
	defer conn.Close()
	conn.SetDropper(transport.NewDropper(cfg.Transfer.DropProbability, cfg.Transfer.Seed))

	server, err := net.ResolveUDPAddr("udp4",
		net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port)))
	if err != nil {
		logger.Fatal("failed to resolve server address", zap.Error(err))
	}
	conn.SetRemote(server)

	recv := session.NewReceiver(conn, session.ReceiverConfig{
		Filename:     cfg.Transfer.Filename,
		RecvWindow:   cfg.Transfer.RecvWindow,
		Seed:         cfg.Transfer.Seed,
		MeanInterval: time.Duration(cfg.Transfer.MeanIntervalMicros) * time.Microsecond,
		Out:          os.Stdout,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := recv.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("transfer failed", zap.Error(err))
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
	// file content goes to stdout; keep logs on stderr
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
