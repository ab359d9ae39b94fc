package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	KafkaBrokers  string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string `mapstructure:"KAFKA_TOPIC"`

	MaxUsersPerSession int           `mapstructure:"MAX_USERS_PER_SESSION"`
	HistorySize        int           `mapstructure:"HISTORY_SIZE"`
	JoinHistoryLimit   int           `mapstructure:"JOIN_HISTORY_LIMIT"`
	TransformWindow    int           `mapstructure:"TRANSFORM_WINDOW"`
	ConcurrencyBand    time.Duration `mapstructure:"CONCURRENCY_BAND"`
	LockTTL            time.Duration `mapstructure:"LOCK_TTL"`
	IdleTimeout        time.Duration `mapstructure:"IDLE_TIMEOUT"`
	SnapshotTTL        time.Duration `mapstructure:"SNAPSHOT_TTL"`
	CheckpointInterval time.Duration `mapstructure:"CHECKPOINT_INTERVAL"`
	LockSweepInterval  time.Duration `mapstructure:"LOCK_SWEEP_INTERVAL"`
	EnforceLocks       bool          `mapstructure:"ENFORCE_LOCKS"`
}

var defaults = map[string]any{
	"PORT":                  "8080",
	"JWT_SECRET":            "",
	"LOG_LEVEL":             "info",
	"REDIS_ADDR":            "",
	"REDIS_PASSWORD":        "",
	"REDIS_DB":              0,
	"DATABASE_URL":          "",
	"KAFKA_BROKERS":         "",
	"KAFKA_TOPIC":           "annotation-operations",
	"MAX_USERS_PER_SESSION": 50,
	"HISTORY_SIZE":          1000,
	"JOIN_HISTORY_LIMIT":    50,
	"TRANSFORM_WINDOW":      10,
	"CONCURRENCY_BAND":      "5s",
	"LOCK_TTL":              "30s",
	"IDLE_TIMEOUT":          "30m",
	"SNAPSHOT_TTL":          "24h",
	"CHECKPOINT_INTERVAL":   "2s",
	"LOCK_SWEEP_INTERVAL":   "5s",
	"ENFORCE_LOCKS":         false,
}

// Load reads .env when present, then the process environment. A missing
// .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Brokers splits KAFKA_BROKERS on commas. Empty means Kafka is disabled.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
