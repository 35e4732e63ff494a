package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the gamecast server listens on.
	DefaultAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultArchiveDumpWindow bounds how frequently archive dump triggers may be requested.
	DefaultArchiveDumpWindow = time.Minute
	// DefaultArchiveDumpBurst sets how many archive dump requests may be made per window.
	DefaultArchiveDumpBurst = 1

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "gamecast.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultArchiveFlushInterval controls how frequently the archive retention cleaner sweeps the archive directory.
	DefaultArchiveFlushInterval = 30 * time.Second

	// DefaultMessageBroker selects the in-process broker implementation.
	DefaultMessageBroker = "memory"
	// DefaultGameFeeder selects the file-backed feeder implementation.
	DefaultGameFeeder = "file"
	// DefaultGameFileExt is appended to a game_id to locate its fixture on disk.
	DefaultGameFileExt = ".json.gz"
	// DefaultGameDataDir is where file-backed feeders look for fixtures.
	DefaultGameDataDir = "./data/games"
	// DefaultGameSpeed is the inter-emission interval, in seconds, used by new schedulers.
	DefaultGameSpeed = 1.0
	// DefaultPauseTimeoutSecs bounds how long a paused scheduler waits before auto-resuming.
	DefaultPauseTimeoutSecs = 60.0
	// DefaultFeederBatchSize controls how many records a feeder buffers per page/load.
	DefaultFeederBatchSize = 30
	// DefaultRelayChannels names the channels a join-game relay subscribes to.
	DefaultRelayChannels = "scores,controls"
	// DefaultSchedulerCleanupTimeout bounds how long the registry waits for a cancelled scheduler.
	DefaultSchedulerCleanupTimeout = 2 * time.Second

	// DefaultGRPCAddress is where the admin gRPC streaming server listens.
	DefaultGRPCAddress = ":43128"

	// WSAuthModeDisabled accepts WebSocket upgrades without a token.
	WSAuthModeDisabled = "disabled"
	// WSAuthModeHMAC requires a valid HMAC token on every WebSocket upgrade.
	WSAuthModeHMAC = "hmac"
)

// Config captures all runtime tunables for the gamecast server.
type Config struct {
	Address          string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	MaxClients       int
	TLSCertPath      string
	TLSKeyPath       string
	AdminToken       string
	ArchiveDumpWindow time.Duration
	ArchiveDumpBurst  int
	Logging          LoggingConfig

	ArchivePath          string
	ArchiveFlushInterval time.Duration

	MessageBroker string
	GameFeeder    string
	GameDataDir   string
	GameFileExt   string
	RedisURL      string

	DefaultGameSpeed        float64
	PauseTimeoutSecs        float64
	FeederBatchSize         int
	RelayChannels           []string
	SchedulerCleanupTimeout time.Duration

	GRPCAddress string

	WSAuthMode string
	AuthSecret string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the gamecast configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("GAMECAST_ADDR", DefaultAddr),
		AllowedOrigins:    parseList(os.Getenv("GAMECAST_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		MaxClients:        DefaultMaxClients,
		TLSCertPath:       strings.TrimSpace(os.Getenv("GAMECAST_TLS_CERT")),
		TLSKeyPath:        strings.TrimSpace(os.Getenv("GAMECAST_TLS_KEY")),
		AdminToken:        strings.TrimSpace(os.Getenv("GAMECAST_ADMIN_TOKEN")),
		ArchiveDumpWindow: DefaultArchiveDumpWindow,
		ArchiveDumpBurst:  DefaultArchiveDumpBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("GAMECAST_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("GAMECAST_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		ArchivePath:             strings.TrimSpace(os.Getenv("GAMECAST_ARCHIVE_PATH")),
		ArchiveFlushInterval:    DefaultArchiveFlushInterval,
		MessageBroker:           strings.ToLower(getString("GAMECAST_MESSAGE_BROKER", DefaultMessageBroker)),
		GameFeeder:              strings.ToLower(getString("GAMECAST_GAME_FEEDER", DefaultGameFeeder)),
		GameDataDir:             getString("GAMECAST_GAME_DATA_DIR", DefaultGameDataDir),
		GameFileExt:             normalizeExt(getString("GAMECAST_GAME_FILE_EXT", DefaultGameFileExt)),
		RedisURL:                strings.TrimSpace(os.Getenv("GAMECAST_REDIS_URL")),
		DefaultGameSpeed:        DefaultGameSpeed,
		PauseTimeoutSecs:        DefaultPauseTimeoutSecs,
		FeederBatchSize:         DefaultFeederBatchSize,
		RelayChannels:           parseList(DefaultRelayChannels),
		SchedulerCleanupTimeout: DefaultSchedulerCleanupTimeout,
		GRPCAddress:             getString("GAMECAST_GRPC_ADDR", DefaultGRPCAddress),
		WSAuthMode:              strings.ToLower(getString("GAMECAST_WS_AUTH_MODE", WSAuthModeDisabled)),
		AuthSecret:              strings.TrimSpace(os.Getenv("GAMECAST_AUTH_SECRET")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("GAMECAST_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_ARCHIVE_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_ARCHIVE_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.ArchiveDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_ARCHIVE_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_ARCHIVE_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.ArchiveDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_ARCHIVE_FLUSH_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_ARCHIVE_FLUSH_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.ArchiveFlushInterval = duration
		}
	}

	switch cfg.MessageBroker {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("GAMECAST_MESSAGE_BROKER must be one of memory|redis, got %q", cfg.MessageBroker))
	}

	switch cfg.GameFeeder {
	case "file", "redis":
	default:
		problems = append(problems, fmt.Sprintf("GAMECAST_GAME_FEEDER must be one of file|redis, got %q", cfg.GameFeeder))
	}

	if (cfg.MessageBroker == "redis" || cfg.GameFeeder == "redis") && cfg.RedisURL == "" {
		problems = append(problems, "GAMECAST_REDIS_URL must be set when a redis backend is selected")
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_DEFAULT_GAME_SPEED")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_DEFAULT_GAME_SPEED must be a positive number, got %q", raw))
		} else {
			cfg.DefaultGameSpeed = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_PAUSE_TIMEOUT_SECS")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_PAUSE_TIMEOUT_SECS must be a positive number, got %q", raw))
		} else {
			cfg.PauseTimeoutSecs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAMECAST_FEEDER_BATCH_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAMECAST_FEEDER_BATCH_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.FeederBatchSize = value
		}
	}

	if raw, ok := os.LookupEnv("GAMECAST_RELAY_CHANNELS"); ok {
		channels := parseList(raw)
		if len(channels) == 0 {
			// An empty or all-blank value falls back to the documented default
			// rather than leaving the relay with nothing to subscribe to. Entries
			// are not checked against the known channels, and nothing is logged.
			channels = parseList(DefaultRelayChannels)
		}
		cfg.RelayChannels = channels
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "GAMECAST_TLS_CERT and GAMECAST_TLS_KEY must be provided together")
	}

	switch cfg.WSAuthMode {
	case WSAuthModeDisabled, WSAuthModeHMAC:
	default:
		problems = append(problems, fmt.Sprintf("GAMECAST_WS_AUTH_MODE must be one of disabled|hmac, got %q", cfg.WSAuthMode))
	}
	if cfg.WSAuthMode == WSAuthModeHMAC && cfg.AuthSecret == "" {
		problems = append(problems, "GAMECAST_AUTH_SECRET must be set when GAMECAST_WS_AUTH_MODE=hmac")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return DefaultGameFileExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
