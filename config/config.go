// Package config assembles server settings from command-line flags, the
// process environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DefaultShareTokenTTL  = 30 * 24 * time.Hour
	DefaultReaperInterval = time.Hour
	DefaultClientURL      = "http://localhost:4200"
)

type Config struct {
	ListenAddr string
	LogLevel   logrus.Level

	StorageType    string
	DataSourceName string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	PostgresDSN    string

	ClientURL      string
	ShareTokenTTL  time.Duration
	RoomRetention  time.Duration
	ReaperInterval time.Duration
}

// LoadDotEnv reads files (".env" when none are given) into the environment
// without overriding variables that are already set. Missing files are fine.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logrus.WithField("file", f).Debug("No .env file found")
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Parse builds a Config from args (without the program name) and the environment.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cowrite-server", flag.ContinueOnError)
	logLevel := fs.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := fs.String("listen", envOr("LISTEN_ADDR", ":5000"), "Set the server listen address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg := &Config{
		ListenAddr:     *listenAddr,
		LogLevel:       level,
		StorageType:    os.Getenv("STORAGE_TYPE"),
		DataSourceName: envOr("DATA_SOURCE_NAME", "cowrite.db"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:    envOr("REDIS_PREFIX", "cowrite:"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		ClientURL:      envOr("CLIENT_URL", DefaultClientURL),
	}

	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ShareTokenTTL, err = envDuration("SHARE_TOKEN_TTL", DefaultShareTokenTTL); err != nil {
		return nil, err
	}
	if cfg.RoomRetention, err = envDuration("ROOM_RETENTION", 0); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = envDuration("REAPER_INTERVAL", DefaultReaperInterval); err != nil {
		return nil, err
	}
	if cfg.ShareTokenTTL <= 0 {
		return nil, fmt.Errorf("SHARE_TOKEN_TTL must be positive")
	}
	if cfg.RoomRetention > 0 && cfg.ReaperInterval <= 0 {
		return nil, fmt.Errorf("REAPER_INTERVAL must be positive when ROOM_RETENTION is set")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
