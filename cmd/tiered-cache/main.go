// Command tiered-cache serves the L1 vector cache and its durable outbox, and
// offers offline maintenance commands for the outbox database.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tiered-cache/config"
)

// CLI is the command line surface. Flags override the config file; unset
// flags keep the file (or default) values.
type CLI struct {
	Config    string `help:"Path to YAML config file." env:"TIERED_CACHE_CONFIG" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"TIERED_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." env:"TIERED_CACHE_LOG_FORMAT"`
	LogFile   string `help:"Also write JSON logs to this file." env:"TIERED_CACHE_LOG_FILE" type:"path"`

	Serve  ServeCmd  `cmd:"" help:"Run the HTTP server with the outbox poller and promoter."`
	Outbox OutboxCmd `cmd:"" help:"Inspect and maintain the outbox database."`
}

// runtime is bound into every command's Run method.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tiered-cache"),
		kong.Description("Tiered vector cache with a durable transactional outbox."),
		kong.UsageOnError(),
	)

	if err := execute(kctx, &cli, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute(kctx *kong.Context, cli *CLI, stdout, stderr io.Writer) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck
	slog.SetDefault(logger)

	return kctx.Run(&runtime{cfg: cfg, logger: logger, stdout: stdout})
}

// loadConfig reads the config file and applies global flag overrides.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}
	if c.LogFile != "" {
		cfg.Logging.File = c.LogFile
	}
	if c.Outbox.Path != "" {
		cfg.Outbox.Path = c.Outbox.Path
	}
	return cfg, nil
}
