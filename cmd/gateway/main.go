// Command gateway is the PowerProxy Azure-OpenAI-compatible reverse proxy.
//
// It reads configuration from a file (--config-file) or from a JSON blob
// held in a named environment variable (--config-env-var), then starts the
// dispatch engine on the configured port.
//
//	./gateway --config-file config.yaml
//	./gateway --config-env-var POWERPROXY_CONFIG
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/powerproxy/internal/app"
	"github.com/nulpointcorp/powerproxy/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := parseFlags(os.Args[1:])

	cfg, _, err := config.Load(opts)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("powerproxy stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// parseFlags reads --config-file, --config-env-var, and --port. Unknown
// flags are ignored so operators can pass through orchestrator flags
// without the process refusing to start.
func parseFlags(args []string) config.Options {
	var opts config.Options

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := splitFlag(arg)

		if !hasValue && i+1 < len(args) {
			value = args[i+1]
		}

		switch name {
		case "--config-file":
			opts.ConfigFile = value
			if !hasValue {
				i++
			}
		case "--config-env-var":
			opts.ConfigEnvVar = value
			if !hasValue {
				i++
			}
		case "--port":
			if !hasValue {
				i++
			}
			var port int
			if _, err := parsePort(value, &port); err == nil {
				opts.Port = port
			}
		}
	}

	return opts
}

// splitFlag splits a "--name=value" flag into its parts; hasValue is false
// for a bare "--name" flag expecting its value as the next argument.
func splitFlag(arg string) (name, value string, hasValue bool) {
	for i, c := range arg {
		if c == '=' {
			return arg[:i], arg[i+1:], true
		}
	}
	return arg, "", false
}

func parsePort(s string, out *int) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return n, nil
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
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

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
