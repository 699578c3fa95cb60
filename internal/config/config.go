package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr             string
	DataDir          string
	LogLevel         string
	DatabaseURL      string
	RabbitMQURL      string
	RabbitMQExchange string
	ProfilePath      string
	Device           Device
	AI               AI
	Toolchain        Toolchain
}

// Device holds the address and credentials of one printer. It is shared
// read-only by every print session.
type Device struct {
	Host       string
	Serial     string
	Username   string
	AccessCode string
	FTPPort    int
	MQTTPort   int
	CacheDir   string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	IOTimeout      time.Duration
}

type AI struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

type Toolchain struct {
	OpenSCAD    string
	OrcaSlicer  string
	ProfilesDir string
}

const (
	EnvHost       = "BAMBU_IP"
	EnvSerial     = "BAMBU_SERIAL"
	EnvAccessCode = "BAMBU_ACCESS_CODE"
	EnvAPIKey     = "ANTHROPIC_API_KEY"
)

func Load() Config {
	return Config{
		Addr:             getenv("PRINT_AGENT_ADDR", ":5000"),
		DataDir:          getenv("PRINT_AGENT_DATA_DIR", "output"),
		LogLevel:         getenv("PRINT_AGENT_LOG_LEVEL", "INFO"),
		DatabaseURL:      getenv("PRINT_AGENT_DATABASE_URL", ""),
		RabbitMQURL:      getenv("PRINT_AGENT_RABBITMQ_URL", ""),
		RabbitMQExchange: getenv("PRINT_AGENT_RABBITMQ_EXCHANGE", "print-agent"),
		ProfilePath:      getenv("PRINT_AGENT_PROFILE", ""),
		Device: Device{
			Host:           getenv(EnvHost, ""),
			Serial:         getenv(EnvSerial, ""),
			Username:       getenv("BAMBU_USERNAME", "bblp"),
			AccessCode:     getenv(EnvAccessCode, ""),
			FTPPort:        getenvInt("BAMBU_FTP_PORT", 990),
			MQTTPort:       getenvInt("BAMBU_MQTT_PORT", 8883),
			CacheDir:       getenv("BAMBU_CACHE_DIR", "cache"),
			ConnectTimeout: getenvDuration("PRINT_AGENT_CONNECT_TIMEOUT", 10*time.Second),
			PublishTimeout: getenvDuration("PRINT_AGENT_PUBLISH_TIMEOUT", 5*time.Second),
			IOTimeout:      getenvDuration("PRINT_AGENT_FTP_TIMEOUT", 30*time.Second),
		},
		AI: AI{
			APIKey:    getenv(EnvAPIKey, ""),
			BaseURL:   getenv("ANTHROPIC_BASE_URL", ""),
			Model:     getenv("PRINT_AGENT_MODEL", "claude-sonnet-4-6"),
			MaxTokens: getenvInt("PRINT_AGENT_MAX_TOKENS", 4096),
		},
		Toolchain: Toolchain{
			OpenSCAD:    getenv("OPENSCAD_BIN", "openscad"),
			OrcaSlicer:  getenv("ORCA_SLICER_BIN", "orca-slicer"),
			ProfilesDir: getenv("ORCA_PROFILES_DIR", "/Applications/OrcaSlicer.app/Contents/Resources/profiles/BBL"),
		},
	}
}

// Validate reports the first missing device setting.
func (d Device) Validate() error {
	missing := []string{}
	if d.Host == "" {
		missing = append(missing, EnvHost)
	}
	if d.Serial == "" {
		missing = append(missing, EnvSerial)
	}
	if d.AccessCode == "" {
		missing = append(missing, EnvAccessCode)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing device configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer value, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration value, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}
