package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	LogLevel       string
	DatabaseURL    string
	Redis          RedisConfig
	Media          MediaConfig
	Call           CallConfig
	Room           RoomConfig

	// Warnings collects values that could not be parsed and fell back to defaults
	Warnings []string
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
}

type MediaConfig struct {
	NumWorkers  int
	MinPort     int
	MaxPort     int
	ListenIP    string
	AnnouncedIP string
}

type CallConfig struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

type RoomConfig struct {
	HostGracePeriod      time.Duration
	GraceCheckInterval   time.Duration
	MaxGroupParticipants int
	EnableHostless       bool
}

// Load reads configuration from the environment, after applying an optional .env file
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{}

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	cfg.Port = getEnv("PORT", "8080")
	cfg.Environment = getEnv("ENVIRONMENT", "development")
	cfg.JWTSecret = getEnv("JWT_SECRET", "change-me-in-production")
	cfg.TokenTTL = cfg.getEnvDuration("TOKEN_TTL", 24*time.Hour)
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")

	cfg.Redis = RedisConfig{
		Host:        getEnv("REDIS_HOST", "localhost"),
		Port:        getEnv("REDIS_PORT", "6379"),
		Password:    getEnv("REDIS_PASSWORD", ""),
		DB:          cfg.getEnvInt("REDIS_DB", 0),
		SnapshotTTL: cfg.getEnvDuration("ROOM_SNAPSHOT_TTL", 24*time.Hour),
	}

	cfg.Media = MediaConfig{
		NumWorkers:  cfg.getEnvInt("MEDIA_NUM_WORKERS", runtime.NumCPU()),
		MinPort:     cfg.getEnvInt("RTC_MIN_PORT", 10000),
		MaxPort:     cfg.getEnvInt("RTC_MAX_PORT", 10100),
		ListenIP:    getEnv("MEDIA_LISTEN_IP", "0.0.0.0"),
		AnnouncedIP: getEnv("MEDIA_ANNOUNCED_IP", localIPv4()),
	}
	if cfg.Media.MinPort > cfg.Media.MaxPort {
		cfg.warn("RTC_MIN_PORT %d is above RTC_MAX_PORT %d, using 10000-10100", cfg.Media.MinPort, cfg.Media.MaxPort)
		cfg.Media.MinPort, cfg.Media.MaxPort = 10000, 10100
	}

	cfg.Call = CallConfig{
		Timeout:       cfg.getEnvDuration("CALL_TIMEOUT", 30*time.Second),
		SweepInterval: cfg.getEnvDuration("CALL_SWEEP_INTERVAL", 5*time.Second),
		Retention:     cfg.getEnvDuration("CALL_RETENTION", time.Second),
	}

	cfg.Room = RoomConfig{
		HostGracePeriod:      cfg.getEnvDuration("HOST_GRACE_PERIOD", 30*time.Second),
		GraceCheckInterval:   cfg.getEnvDuration("GRACE_CHECK_INTERVAL", 10*time.Second),
		MaxGroupParticipants: cfg.getEnvInt("MAX_GROUP_PARTICIPANTS", 50),
		EnableHostless:       cfg.getEnvBool("ENABLE_HOSTLESS", true),
	}

	return cfg
}

// Addr returns host:port for the Redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getEnvInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.warn("%s=%q is not an integer, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func (c *Config) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		c.warn("%s=%q is not a positive duration, using %s", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func (c *Config) getEnvBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.warn("%s=%q is not a boolean, using %t", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

// localIPv4 returns the first non-loopback IPv4 address, or 127.0.0.1
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
