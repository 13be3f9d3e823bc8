package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/termlink/internal/devhost"
)

// runHost starts the local development PTY host.
func runHost(args []string) {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	listen := fs.String("listen", "", "Listen address (default from config)")
	shell := fs.String("shell", "", "Shell for new sessions (default $SHELL)")
	apiKey := fs.String("api-key", "", "Require this API key in the auth payload")
	resumeWindow := fs.Duration("resume-window", 5*time.Minute, "How long detached sessions stay resumable")
	fs.Usage = func() {
		fmt.Println("Usage: termlink host [options]")
		fmt.Println()
		fmt.Println("Run a local PTY host for development. Sessions survive client")
		fmt.Println("disconnects for the resume window and can be reattached.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	shutdown := setupLogging(cfg)
	defer shutdown()

	opts := devhost.Options{
		Listen:            cfg.Host.Listen,
		Shell:             cfg.Host.Shell,
		MaxSessions:       cfg.Host.MaxSessions,
		ConnectRatePerMin: cfg.Host.ConnectRatePerMin,
		ResumeWindow:      *resumeWindow,
	}
	if *listen != "" {
		opts.Listen = *listen
	}
	if *shell != "" {
		opts.Shell = *shell
	}
	if *apiKey != "" {
		opts.APIKey = *apiKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("termlink host listening on %s (Ctrl+C to stop)\n", opts.Listen)
	if err := devhost.New(opts).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
