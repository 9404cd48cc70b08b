// Command srtxfer moves bytes over SRT. "send" streams stdin or a file to
// an srt:// URL, "recv" writes a received stream to stdout or a file, and
// "interop" checks this implementation against a reference SRT peer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

const usage = `usage:
  srtxfer send    [flags] srt://host:port?opts [file]
  srtxfer recv    [flags] srt://[host]:port?opts [file]
  srtxfer interop [flags]

URL options follow srt-live-transmit: mode, latency, passphrase, pbkeylen,
streamid, mss, fc, maxbw, enforcedencryption, conntimeo, peeridletimeo.
Run "srtxfer <command> -h" for flags.
`

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "send":
		err = runSend(ctx, args)
	case "recv":
		err = runRecv(ctx, args)
	case "interop":
		err = runInterop(ctx, args)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("srtxfer failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
