package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// StoreConfig selects where room snapshots are kept
type StoreConfig struct {
	Driver string
	DSN    string
}

// RoomConfig tunes every room the server hosts
type RoomConfig struct {
	FlushInterval time.Duration
	IdleTimeout   time.Duration
	SendBuffer    int
}

// GitHubConfig points the gist client at the API
type GitHubConfig struct {
	APIURL    string
	UserAgent string
}

// Config holds the application configuration
type Config struct {
	Addr     string
	Store    StoreConfig
	Room     RoomConfig
	GitHub   GitHubConfig
	LogLevel slog.Level
	// Path is the file the config was read from, empty when running on defaults.
	Path string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr: ":1999",
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "gist-mom.sqlite3",
		},
		Room: RoomConfig{
			FlushInterval: 2 * time.Second,
			IdleTimeout:   time.Minute,
			SendBuffer:    256,
		},
		GitHub: GitHubConfig{
			APIURL:    "https://api.github.com",
			UserAgent: "gist.mom",
		},
		LogLevel: slog.LevelInfo,
	}
}

// ParseFlags parses command line flags and merges them over the config file
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("gist-mom", flag.ContinueOnError)
	configFlag := fs.String("config", "gist-mom.yml", "Path to configuration file")
	generateConfigFlag := fs.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := fs.String("config-path", "gist-mom.yml", "Path where config file should be generated")

	// Simple flags for overriding config file
	addrFlag := fs.String("addr", "", "Address to listen on (overrides config)")
	storeFlag := fs.String("store", "", "Snapshot store driver: sqlite, postgres, bolt, redis or memory (overrides config)")
	dsnFlag := fs.String("dsn", "", "Snapshot store DSN (overrides config)")
	logLevelFlag := fs.String("log-level", "", "Log level (overrides config)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *generateConfigFlag {
		slog.Info("generating default configuration file", "path", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
	}

	config, err := LoadConfig(*configFlag)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		slog.Warn("could not load config file, using defaults", "path", *configFlag)
		config = Default()
	}

	if *addrFlag != "" {
		config.Addr = *addrFlag
	}
	if *storeFlag != "" {
		config.Store.Driver = *storeFlag
	}
	if *dsnFlag != "" {
		config.Store.DSN = *dsnFlag
	}
	if *logLevelFlag != "" {
		if err := config.LogLevel.UnmarshalText([]byte(*logLevelFlag)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}
	return config, nil
}
