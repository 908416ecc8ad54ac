package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes environment overrides, e.g. ASYNC_SERVER_MAX_QUEUE
const EnvPrefix = "ASYNC_SERVER"

// Config holds all application configuration.
type Config struct {
	URL           string `config:"url"`
	RootDirectory string `config:"root"`

	ReceiveBufferSize    int `config:"receive.buffer"`
	RequestsPerProcessor int `config:"requests.per.cpu"`
	OutstandingRequests  int `config:"outstanding"`
	Workers              int `config:"workers"`
	MaxPathLength        int `config:"max.path"`

	MaxRequestSize int           `config:"max.request"`
	MaxQueueLength int           `config:"max.queue"`
	IdleTimeout    time.Duration `config:"idle.timeout"`
	WriteTimeout   time.Duration `config:"write.timeout"`

	KillPath    string `config:"kill.path"`
	MetricsAddr string `config:"metrics.addr"`
	LogLevel    string `config:"log.level"`
	LogFormat   string `config:"log.format"`
	GCPercent   int    `config:"gc.percent"`
	Env         string `config:"env"`

	ConfigFile string `config:"-"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		ReceiveBufferSize:    4096,
		RequestsPerProcessor: 4,
		MaxPathLength:        2048,
		MaxRequestSize:       16 << 10,
		MaxQueueLength:       1000,
		IdleTimeout:          30 * time.Second,
		WriteTimeout:         10 * time.Second,
		KillPath:             "/kill",
		LogLevel:             "info",
		LogFormat:            "text",
		Env:                  "development",
	}
}

// ErrUsage is returned when the positional arguments are missing
var ErrUsage = errors.New("usage: server [flags] <url-prefix> <root-directory>")

// Load builds the configuration from defaults, the optional JSON file,
// ASYNC_SERVER_* environment variables and finally the command line.
func Load(args []string) (*Config, error) {
	return load(args, os.Stderr)
}

func load(args []string, output io.Writer) (*Config, error) {
	cfg := Default()

	// Flags register against a scratch copy; only explicitly set ones are
	// layered on top of the other sources.
	scratch := Default()
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(output, ErrUsage.Error())
		fs.PrintDefaults()
	}

	fs.IntVar(&scratch.ReceiveBufferSize, "receive-buffer", scratch.ReceiveBufferSize, "Receive buffer size per outstanding request (bytes)")
	fs.IntVar(&scratch.RequestsPerProcessor, "requests-per-cpu", scratch.RequestsPerProcessor, "Outstanding receives per CPU")
	fs.IntVar(&scratch.OutstandingRequests, "outstanding", scratch.OutstandingRequests, "Total outstanding receives (overrides -requests-per-cpu)")
	fs.IntVar(&scratch.Workers, "workers", scratch.Workers, "Completion worker goroutines (0 = one per CPU)")
	fs.IntVar(&scratch.MaxPathLength, "max-path", scratch.MaxPathLength, "Maximum resolved file path length")
	fs.IntVar(&scratch.MaxRequestSize, "max-request", scratch.MaxRequestSize, "Maximum request head plus body size (bytes)")
	fs.IntVar(&scratch.MaxQueueLength, "max-queue", scratch.MaxQueueLength, "Maximum requests waiting for a receive")
	fs.DurationVar(&scratch.IdleTimeout, "idle-timeout", scratch.IdleTimeout, "Keep-alive idle timeout")
	fs.DurationVar(&scratch.WriteTimeout, "write-timeout", scratch.WriteTimeout, "Response write timeout")
	fs.StringVar(&scratch.KillPath, "kill-path", scratch.KillPath, "GET path that stops the server (empty disables)")
	fs.StringVar(&scratch.MetricsAddr, "metrics-addr", scratch.MetricsAddr, "Address for the Prometheus /metrics endpoint (empty disables)")
	fs.StringVar(&scratch.LogLevel, "log-level", scratch.LogLevel, "Log level (debug/info/warn/error)")
	fs.StringVar(&scratch.LogFormat, "log-format", scratch.LogFormat, "Log format (text/json)")
	fs.IntVar(&scratch.GCPercent, "gc-percent", scratch.GCPercent, "GOGC override (0 keeps the runtime default)")
	fs.StringVar(&scratch.Env, "env", scratch.Env, "Environment (development/production)")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Optional JSON configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if cfg.ConfigFile != "" {
		if err := m.LoadFromJSON(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		m.Set(strings.ReplaceAll(f.Name, "-", "."), f.Value.String())
	})

	switch fs.NArg() {
	case 0:
	case 2:
		m.Set("url", fs.Arg(0))
		m.Set("root", fs.Arg(1))
	default:
		fs.Usage()
		return nil, ErrUsage
	}

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.URL == "" || c.RootDirectory == "" {
		return ErrUsage
	}

	fi, err := os.Stat(c.RootDirectory)
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("root directory %s is not a directory", c.RootDirectory)
	}

	positive := map[string]int{
		"receive-buffer":   c.ReceiveBufferSize,
		"requests-per-cpu": c.RequestsPerProcessor,
		"max-path":         c.MaxPathLength,
		"max-request":      c.MaxRequestSize,
		"max-queue":        c.MaxQueueLength,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.OutstandingRequests < 0 || c.Workers < 0 || c.GCPercent < 0 {
		return errors.New("outstanding, workers and gc-percent must not be negative")
	}
	if c.IdleTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the logger described by the configuration
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
