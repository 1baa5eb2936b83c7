package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ferryd/ferry/internal/ferry/session"
	"github.com/ferryd/ferry/internal/ferry/transport"
)

// Config holds the load-test parameters
type Config struct {
	Server      string
	Filename    string
	Concurrency int
	Transfers   int
	RecvWindow  int
	Drop        float64
	Seed        int64
}

// Result aggregates the outcome of all transfers
type Result struct {
	Total      int64
	Succeeded  int64
	Failed     int64
	Bytes      int64
	mu         sync.Mutex
	MinElapsed time.Duration
	MaxElapsed time.Duration
}

func (r *Result) observe(elapsed time.Duration, n int64, err error) {
	atomic.AddInt64(&r.Total, 1)
	if err != nil {
		atomic.AddInt64(&r.Failed, 1)
		return
	}
	atomic.AddInt64(&r.Succeeded, 1)
	atomic.AddInt64(&r.Bytes, n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MinElapsed == 0 || elapsed < r.MinElapsed {
		r.MinElapsed = elapsed
	}
	if elapsed > r.MaxElapsed {
		r.MaxElapsed = elapsed
	}
}

// countingWriter discards the file content but keeps the byte count
type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func main() {
	server := flag.String("server", "127.0.0.1:9877", "server well-known endpoint")
	filename := flag.String("file", "", "file to request")
	concurrency := flag.Int("c", 4, "number of concurrent clients")
	transfers := flag.Int("n", 16, "total number of transfers")
	recvWindow := flag.Int("w", 32, "receive window in segments")
	drop := flag.Float64("p", 0, "simulated per-datagram drop probability")
	seed := flag.Int64("seed", 1, "loss and pacing seed")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *filename == "" {
		logger.Fatal("no file to request, pass -file")
	}

	cfg := &Config{
		Server:      *server,
		Filename:    *filename,
		Concurrency: *concurrency,
		Transfers:   *transfers,
		RecvWindow:  *recvWindow,
		Drop:        *drop,
		Seed:        *seed,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info("starting load test",
		zap.String("server", cfg.Server),
		zap.String("file", cfg.Filename),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("transfers", cfg.Transfers))

	result := &Result{}
	work := make(chan int)
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range work {
				elapsed, n, err := runTransfer(ctx, cfg, int64(i))
				result.observe(elapsed, n, err)
				if err != nil && ctx.Err() == nil {
					logger.Warn("transfer failed",
						zap.Int("worker", worker),
						zap.Int("transfer", i),
						zap.Error(err))
				}
			}
		}(w)
	}

	for i := 0; i < cfg.Transfers && ctx.Err() == nil; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("\n===== ferry load test =====\n")
	fmt.Printf("transfers:  %d total, %d ok, %d failed\n",
		result.Total, result.Succeeded, result.Failed)
	fmt.Printf("bytes:      %d (%.2f MiB/s)\n",
		result.Bytes, float64(result.Bytes)/1024/1024/elapsed.Seconds())
	fmt.Printf("latency:    min %v, max %v\n", result.MinElapsed, result.MaxElapsed)
	fmt.Printf("wall clock: %v\n", elapsed)
}

// runTransfer runs one full client session against the server. Each
// transfer gets its own socket and its own seed so loss patterns differ
// between sessions but replay identically between runs.
func runTransfer(ctx context.Context, cfg *Config, offset int64) (time.Duration, int64, error) {
	conn, err := transport.Listen("0.0.0.0:0", nil)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	conn.SetDropper(transport.NewDropper(cfg.Drop, cfg.Seed+offset))

	remote, err := net.ResolveUDPAddr("udp4", cfg.Server)
	if err != nil {
		return 0, 0, err
	}
	conn.SetRemote(remote)

	var out countingWriter
	recv := session.NewReceiver(conn, session.ReceiverConfig{
		Filename:     cfg.Filename,
		RecvWindow:   cfg.RecvWindow,
		Seed:         cfg.Seed + offset,
		MeanInterval: 50 * time.Microsecond,
		FinTimewait:  time.Second,
		Out:          io.Writer(&out),
		Logger:       zap.NewNop(),
	})

	start := time.Now()
	if err := recv.Run(ctx); err != nil {
		return 0, 0, err
	}
	return time.Since(start), out.n, nil
}
