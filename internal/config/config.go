// Package config loads torrentd's configuration from a key=value file plus
// environment variable overrides, using the same bufio.Scanner parsing
// style and "env wins over file" precedence used elsewhere in this
// codebase.
package config

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	// Database configuration (completion store + resume store).
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// HTTP command surface (internal/api).
	APIPort int

	// Engine directory roots, Torrent.locations.
	DownloadDir   string
	IncompleteDir string // empty disables staging
	PieceTempDir  string

	// Default geometry inputs; per-torrent metainfo always wins once
	// parsed.
	DefaultBlockCap int

	// Default policy applied to newly-added torrents, overridden
	// per-torrent afterward.
	DefaultRatioMode     string // "global" | "single" | "unlimited"
	DefaultDesiredRatio  float64
	DefaultIdleMode      string // "global" | "single" | "unlimited"
	DefaultIdleLimitMins int
	DefaultPeerLimit     int

	// Verification.
	PieceHashWorkers int // 0 = auto (CPU count)

	// Proxy settings for outbound peer connections. Kind is "" (disabled),
	// "http", "socks4", or "socks5".
	ProxyKind     string
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	ProxyAuth     bool // SOCKS5 only: offer username/password auth

	// Filesystem watcher debounce, following the convention used elsewhere.
	WatchDebounceSeconds int

	// DoneScript, if set, is spawned detached whenever a torrent first
	// becomes a seed.
	DoneScript string
}

// Load reads configuration from configPath (if non-empty) and then applies
// environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		DBHost: "localhost",
		DBPort: 5432,
		DBName: "torrentd",

		APIPort: 10858,

		DownloadDir:   "./downloads",
		IncompleteDir: "",
		PieceTempDir:  "./downloads/.piece-temp",

		DefaultBlockCap: 16 * 1024,

		DefaultRatioMode:     "global",
		DefaultDesiredRatio:  2.0,
		DefaultIdleMode:      "global",
		DefaultIdleLimitMins: 30,
		DefaultPeerLimit:     50,

		PieceHashWorkers: 0,

		WatchDebounceSeconds: 10,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	numCPU := runtime.NumCPU()
	if numCPU < 1 {
		numCPU = 1
	}
	if cfg.PieceHashWorkers <= 0 {
		cfg.PieceHashWorkers = numCPU
	}
	const maxPieceHashWorkers = 16
	if cfg.PieceHashWorkers > maxPieceHashWorkers {
		cfg.PieceHashWorkers = maxPieceHashWorkers
	}

	if cfg.DBUser == "" {
		return nil, fmt.Errorf("DB_USER must be set (in config file or environment)")
	}
	if cfg.DBPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD must be set (in config file or environment)")
	}

	return cfg, nil
}

// loadFromFile reads key=value pairs from a plain text config file.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "host":
			cfg.DBHost = value
		case "port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.DBPort = v
			}
		case "database":
			cfg.DBName = value
		case "user":
			cfg.DBUser = value
		case "password":
			cfg.DBPassword = value
		case "api_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.APIPort = v
			}
		case "download_dir":
			cfg.DownloadDir = value
		case "incomplete_dir":
			cfg.IncompleteDir = value
		case "piece_temp_dir":
			cfg.PieceTempDir = value
		case "default_block_cap":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.DefaultBlockCap = v
			}
		case "default_ratio_mode":
			cfg.DefaultRatioMode = value
		case "default_desired_ratio":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.DefaultDesiredRatio = v
			}
		case "default_idle_mode":
			cfg.DefaultIdleMode = value
		case "default_idle_limit_minutes":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.DefaultIdleLimitMins = v
			}
		case "default_peer_limit":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.DefaultPeerLimit = v
			}
		case "piece_hash_workers":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.PieceHashWorkers = v
			}
		case "proxy_kind":
			cfg.ProxyKind = value
		case "proxy_host":
			cfg.ProxyHost = value
		case "proxy_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.ProxyPort = v
			}
		case "proxy_username":
			cfg.ProxyUsername = value
		case "proxy_password":
			cfg.ProxyPassword = value
		case "proxy_auth":
			cfg.ProxyAuth = value == "true" || value == "1" || value == "yes"
		case "watch_debounce_seconds":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.WatchDebounceSeconds = v
			}
		case "done_script":
			cfg.DoneScript = value
		}
	}

	return scanner.Err()
}

// loadFromEnv overrides cfg with any TORRENTD_-prefixed and DB_-prefixed
// environment variables that are set.
func (cfg *Config) loadFromEnv() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	intv := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DB_HOST", &cfg.DBHost)
	intv("DB_PORT", &cfg.DBPort)
	str("DB_NAME", &cfg.DBName)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)

	intv("TORRENTD_API_PORT", &cfg.APIPort)
	str("TORRENTD_DOWNLOAD_DIR", &cfg.DownloadDir)
	str("TORRENTD_INCOMPLETE_DIR", &cfg.IncompleteDir)
	str("TORRENTD_PIECE_TEMP_DIR", &cfg.PieceTempDir)
	intv("TORRENTD_PIECE_HASH_WORKERS", &cfg.PieceHashWorkers)
	str("TORRENTD_DEFAULT_RATIO_MODE", &cfg.DefaultRatioMode)
	str("TORRENTD_DEFAULT_IDLE_MODE", &cfg.DefaultIdleMode)
	intv("TORRENTD_DEFAULT_IDLE_LIMIT_MINUTES", &cfg.DefaultIdleLimitMins)
	intv("TORRENTD_DEFAULT_PEER_LIMIT", &cfg.DefaultPeerLimit)

	str("TORRENTD_PROXY_KIND", &cfg.ProxyKind)
	str("TORRENTD_PROXY_HOST", &cfg.ProxyHost)
	intv("TORRENTD_PROXY_PORT", &cfg.ProxyPort)
	str("TORRENTD_PROXY_USERNAME", &cfg.ProxyUsername)
	str("TORRENTD_PROXY_PASSWORD", &cfg.ProxyPassword)
	if v := os.Getenv("TORRENTD_PROXY_AUTH"); v != "" {
		cfg.ProxyAuth = v == "true" || v == "1" || v == "yes"
	}
	intv("TORRENTD_WATCH_DEBOUNCE_SECONDS", &cfg.WatchDebounceSeconds)
	str("TORRENTD_DONE_SCRIPT", &cfg.DoneScript)
}

// ConnectionString returns a PostgreSQL connection string for database/sql.
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}
