package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Room struct {
		FlushInterval string `yaml:"flush_interval"`
		IdleTimeout   string `yaml:"idle_timeout"`
		SendBuffer    int    `yaml:"send_buffer"`
	} `yaml:"room"`

	GitHub struct {
		APIURL    string `yaml:"api_url"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"github"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadConfig loads configuration from a YAML file over the defaults. An empty path returns the defaults.
func LoadConfig(filePath string) (*Config, error) {
	config := Default()
	if filePath == "" {
		return config, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var fileConfig FileConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	config.Path = filePath

	if fileConfig.Server.Addr != "" {
		config.Addr = fileConfig.Server.Addr
	}

	if fileConfig.Store.Driver != "" {
		config.Store.Driver = fileConfig.Store.Driver
	}
	if fileConfig.Store.DSN != "" {
		config.Store.DSN = fileConfig.Store.DSN
	}

	if fileConfig.Room.FlushInterval != "" {
		d, err := time.ParseDuration(fileConfig.Room.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid room.flush_interval: %w", err)
		}
		config.Room.FlushInterval = d
	}
	if fileConfig.Room.IdleTimeout != "" {
		d, err := time.ParseDuration(fileConfig.Room.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid room.idle_timeout: %w", err)
		}
		config.Room.IdleTimeout = d
	}
	if fileConfig.Room.SendBuffer > 0 {
		config.Room.SendBuffer = fileConfig.Room.SendBuffer
	}

	if fileConfig.GitHub.APIURL != "" {
		config.GitHub.APIURL = fileConfig.GitHub.APIURL
	}
	if fileConfig.GitHub.UserAgent != "" {
		config.GitHub.UserAgent = fileConfig.GitHub.UserAgent
	}

	if fileConfig.Log.Level != "" {
		if err := config.LogLevel.UnmarshalText([]byte(fileConfig.Log.Level)); err != nil {
			return nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}
	return config, nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	def := Default()
	var fileConfig FileConfig
	fileConfig.Server.Addr = def.Addr
	fileConfig.Store.Driver = def.Store.Driver
	fileConfig.Store.DSN = def.Store.DSN
	fileConfig.Room.FlushInterval = def.Room.FlushInterval.String()
	fileConfig.Room.IdleTimeout = def.Room.IdleTimeout.String()
	fileConfig.Room.SendBuffer = def.Room.SendBuffer
	fileConfig.GitHub.APIURL = def.GitHub.APIURL
	fileConfig.GitHub.UserAgent = def.GitHub.UserAgent
	fileConfig.Log.Level = def.LogLevel.String()

	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}
	withComments := "# gist-mom room server configuration\n" +
		"# store.driver is one of sqlite, postgres, bolt, redis, memory\n\n" +
		string(data)
	if err := os.WriteFile(filePath, []byte(withComments), 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Watch calls onChange with the reloaded config whenever the file at path is written, until ctx ends. Only settings
// that can change at runtime should be read from the new config; a file that fails to parse is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// editors often replace the file, so watch its directory
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			config, err := LoadConfig(path)
			if err != nil {
				slog.Warn("ignoring config change", "path", path, "err", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			onChange(config)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "err", err)
		case <-ctx.Done():
			return nil
		}
	}
}
