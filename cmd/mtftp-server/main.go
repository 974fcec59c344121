package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/gomtftp/pkg/metrics"
	"github.com/samsamfire/gomtftp/pkg/mtftp"
	"github.com/samsamfire/gomtftp/pkg/store"
	"github.com/samsamfire/gomtftp/pkg/transport/udp"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	listenAddr   = flag.String("l", ":6969", "UDP address to bind")
	manifestPath = flag.String("m", "", "path to the file manifest (required)")
	tickPeriod   = flag.Duration("tick", 100*time.Millisecond, "how often to drive the session timer")
)

func main() {
	flag.Parse()
	logger := slog.Default()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "missing required -m <manifest path>")
		os.Exit(1)
	}

	manifest, err := store.LoadManifest(*manifestPath)
	if err != nil {
		logger.Error("failed to load manifest", "path", *manifestPath, "err", err)
		os.Exit(1)
	}
	fileStore := store.NewFileStore(manifest)
	defer fileStore.Close()

	tr, err := udp.Bind(*listenAddr)
	if err != nil {
		logger.Error("failed to bind", "addr", *listenAddr, "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	cfg, err := mtftp.NewConfig(mtftp.DefaultConfig())
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	server := mtftp.NewServer(cfg, tr, fileStore, fileStore)
	server.SetLogger(logger.With("component", "mtftp-server"))
	server.SetMetrics(recorder)
	server.SetIdleFunc(func(r mtftp.SessionReport) {
		if r.Err != nil {
			logger.Warn("session ended in error", "session", r.SessionID, "file_index", r.FileIndex, "err", r.Err)
			return
		}
		logger.Info("session completed", "session", r.SessionID, "file_index", r.FileIndex, "bytes", r.BytesTransferred)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(*tickPeriod)
	defer ticker.Stop()

	logger.Info("mtftp server listening", "addr", *listenAddr)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case buf := <-tr.Recv():
			if err := server.OnPacket(buf); err != nil {
				logger.Warn("error handling packet", "err", err)
			}
		case <-ticker.C:
			server.Tick()
		}
	}
}
