package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/sensorscope/internal/config"
)

const usage = `usage: sensorscope [-config path] <command> [args]

commands:
  scan           list nearby sensors advertising the profile
  pair <id>      validate a sensor and remember it on success
  unpair <id>    forget a paired sensor
  paired         list paired sensors
  stream [id]    connect (to id, or to every paired sensor) and stream telemetry
  init           write the default config file
`

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sensorscope/config.yaml)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if flag.Arg(0) == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "scan":
		err = runScan(ctx, cfg, logger)
	case "pair":
		if len(args) != 1 {
			err = errors.New("pair: expected a device id")
			break
		}
		err = runPair(ctx, cfg, logger, args[0])
	case "unpair":
		if len(args) != 1 {
			err = errors.New("unpair: expected a device id")
			break
		}
		err = runUnpair(cfg, args[0])
	case "paired":
		err = runPaired(cfg)
	case "stream":
		if len(args) > 1 {
			err = errors.New("stream: at most one device id")
			break
		}
		printBanner(cfg)
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		err = runStream(ctx, cfg, logger, id)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil && !isShutdown(err) {
		logger.Error("command failed", "command", flag.Arg(0), "error", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== sensorscope ===")
	fmt.Printf("  Validation:  %s timeout, strict=%v\n", cfg.BLE.ValidationTimeout, cfg.BLE.RequireProperties)
	fmt.Printf("  Auto:        connect paired=%v, validate discovered=%v, reconnect=%v\n",
		cfg.BLE.AutoConnectPaired, cfg.BLE.ValidateDiscovered, cfg.BLE.Reconnect)
	fmt.Printf("  Spectrogram: window %d, hop %d, fft %d, keep %d\n",
		cfg.Spectrogram.WindowSize, cfg.Spectrogram.HopSize, cfg.Spectrogram.FFTSize, cfg.Spectrogram.MaxFrames)
	fmt.Printf("  Pairing:     %s\n", cfg.Pairing.Path)
	if cfg.Recording.Enabled {
		fmt.Printf("  Recording:   %s (%d Hz)\n", cfg.Recording.Dir, cfg.Recording.SampleRate)
	}
	if cfg.Publish.NATSURL != "" {
		fmt.Printf("  Publish:     %s (%s.*)\n", cfg.Publish.NATSURL, cfg.Publish.SubjectPrefix)
	}
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
