// Package main is the entry point for the Mercury plugin host.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dshills/mercury/internal/config"
	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
	"github.com/dshills/mercury/internal/plugin"
	"github.com/dshills/mercury/internal/server"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	configPath   string
	logLevel     string
	hashPassword bool
	listEnv      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	if opts.hashPassword {
		return printHash()
	}
	if opts.listEnv {
		for _, name := range config.EnvVars() {
			fmt.Println(name)
		}
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logging.Setup(cfg.LogSetup())
	log := logging.GetSubsystemLogger("main")

	m := metrics.New()
	loader := plugin.New(cfg.PluginConfig(), plugin.WithMetrics(m))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loader.Init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize plugin loader")
		return 1
	}
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Int("plugins", loader.Count()).
		Int("active", loader.CountActive()).
		Msg("mercury started")

	srv := server.New(loader, cfg.Server, server.WithMetrics(m))
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	code := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("admin API stopped")
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin API shutdown failed")
		code = 1
	}
	if err := loader.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("plugin shutdown failed")
		code = 1
	}
	return code
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (.yaml, .yml or .toml)")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	flag.BoolVar(&opts.hashPassword, "hash-password", false, "Read a password from stdin and print its bcrypt hash")
	flag.BoolVar(&opts.listEnv, "list-env", false, "List the recognized environment overrides")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mercuryd - Mercury plugin host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: mercuryd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mercuryd -c mercury.yaml              Run with a config file\n")
		fmt.Fprintf(os.Stderr, "  echo -n pw | mercuryd -hash-password  Hash an admin password\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("mercuryd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}

	return opts
}

func printHash() int {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "Error: read password: %v\n", err)
		return 1
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimRight(line, "\r\n")), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(hash))
	return 0
}
