package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

func main() {
	// The sandbox init process is this same binary; it must take over
	// before any flag parsing.
	if isInit() {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "icebox-init: %v\n", err)
		}
		os.Exit(1)
	}

	fs := flag.NewFlagSet("icebox", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgPath := fs.String("config", envOrDefault("ICEBOX_CONFIG", ""), "path to icebox.yaml")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Usage = printMainUsage
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	args := fs.Args()
	if len(args) == 0 {
		printMainUsage()
		os.Exit(2)
	}

	opts := globalOpts{configPath: *cfgPath, logLevel: *logLevel}
	os.Exit(dispatch(args[0], args[1:], opts))
}

type globalOpts struct {
	configPath string
	logLevel   string
}

func printMainUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  icebox [--config <path>] [--log-level <level>] <command> [options]

Commands:
  icebox run --in <dir> --out <dir> [options] -- <command> [args...]
                                     Run one command in a fresh sandbox
  icebox batch <file.yaml>           Run many sandboxes with bounded parallelism
  icebox shell --in <dir> --out <dir> [-- <command>]
                                     Interactive shell inside a sandbox
  icebox history [--limit <n>] [--json]
                                     List recorded runs
  icebox show <run-id>               Show one recorded run as JSON
  icebox reap                        Reconcile crashed runs and prune old data
  icebox doctor                      Run environment checks

Exit status of run:
  the command's exit code, 128+n when killed by signal n,
  124 on timeout, 125 when the sandbox could not be built.
`)
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
