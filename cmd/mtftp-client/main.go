package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/samsamfire/gomtftp/pkg/mtftp"
	"github.com/samsamfire/gomtftp/pkg/store"
	"github.com/samsamfire/gomtftp/pkg/transport/udp"

	"github.com/schollz/progressbar/v3"
)

var (
	serverAddr = flag.String("s", "127.0.0.1:6969", "server UDP address")
	mode       = flag.String("mode", "get", "get (read from server) or put (write to server)")
	fileIndex  = flag.Uint("i", 1, "file index to transfer")
	localPath  = flag.String("f", "", "local file path (required)")
	tickPeriod = flag.Duration("tick", 50*time.Millisecond, "how often to drive the session timer")
)

func main() {
	flag.Parse()
	logger := slog.Default()

	if *localPath == "" {
		fmt.Fprintln(os.Stderr, "missing required -f <local file path>")
		os.Exit(1)
	}
	idx := uint16(*fileIndex)

	tr, err := udp.New(*serverAddr)
	if err != nil {
		logger.Error("failed to dial server", "addr", *serverAddr, "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	cfg, err := mtftp.NewConfig(mtftp.DefaultConfig())
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	manifest := store.NewManifest(map[uint16]string{idx: *localPath})
	fileStore := store.NewFileStore(manifest)
	defer fileStore.Close()

	client := mtftp.NewClient(cfg, tr, fileStore, fileStore)
	client.SetLogger(logger.With("component", "mtftp-client"))

	bar := progressbar.DefaultBytes(-1, fmt.Sprintf("%sting file %d", *mode, idx))
	done := make(chan mtftp.SessionReport, 1)
	client.SetIdleFunc(func(r mtftp.SessionReport) { done <- r })

	switch *mode {
	case "get":
		err = client.BeginRead(idx, 0)
	case "put":
		err = client.BeginWrite(idx, 0)
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode %q, want get or put\n", *mode)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to start transfer", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ticker := time.NewTicker(*tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Error("transfer timed out")
			os.Exit(1)
		case buf := <-tr.Recv():
			if err := client.OnPacket(buf); err != nil {
				logger.Warn("error handling packet", "err", err)
			}
			_ = bar.Add(len(buf))
		case <-ticker.C:
			client.Tick()
		case report := <-done:
			_ = bar.Finish()
			if report.Err != nil {
				logger.Error("transfer failed", "err", report.Err)
				os.Exit(1)
			}
			fmt.Printf("transferred %d bytes\n", report.BytesTransferred)
			return
		}
	}
}
