package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/shannynalayna/splinter/internal/config"
)

// initConfig loads the YAML config, falling back to config.Default() when
// the file does not exist. SPLINTER_* environment variables override both.
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
		} else {
			return cfg, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.Logger.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
