package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

type Config struct {
	DBHost     string `mapstructure:"db_host"`
	DBPort     string `mapstructure:"db_port"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBName     string `mapstructure:"db_name"`
	DBSSLMode  string `mapstructure:"db_sslmode"`

	ServerPort    string `mapstructure:"server_port"`
	ServerHost    string `mapstructure:"server_host"`
	InviteBaseURL string `mapstructure:"invite_base_url"`

	StoreDriver  string `mapstructure:"store_driver"`
	BrokerDriver string `mapstructure:"broker_driver"`
	BrokerBuffer int    `mapstructure:"broker_buffer"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Janitor
	JanitorSweepSpec string `mapstructure:"janitor_sweep_spec"`
	JanitorStatsSpec string `mapstructure:"janitor_stats_spec"`
	JanitorWorkers   int    `mapstructure:"janitor_workers"`
	EventRetention   int    `mapstructure:"event_retention"`

	// Client sync engine
	SubscribeTimeout  time.Duration `mapstructure:"subscribe_timeout"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`

	// Observability
	LogEnv            string  `mapstructure:"log_env"`
	JaegerEndpoint    string  `mapstructure:"jaeger_endpoint"`
	JaegerSampleRatio float64 `mapstructure:"jaeger_sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "postgres")
	v.SetDefault("db_name", "diagram_collab")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("server_port", "8080")
	v.SetDefault("server_host", "localhost")
	v.SetDefault("invite_base_url", "")

	v.SetDefault("store_driver", StorePostgres)
	v.SetDefault("broker_driver", BrokerMemory)
	v.SetDefault("broker_buffer", 256)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("janitor_sweep_spec", "@hourly")
	v.SetDefault("janitor_stats_spec", "0 6 * * *")
	v.SetDefault("janitor_workers", 4)
	v.SetDefault("event_retention", 200)

	v.SetDefault("subscribe_timeout", "10s")
	v.SetDefault("reconnect_base", "2s")
	v.SetDefault("reconnect_attempts", 5)

	v.SetDefault("log_env", "development")
	v.SetDefault("jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("jaeger_sample_ratio", 1.0)
}

// Load reads .env, an optional collab.yaml and the environment, in rising precedence
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New(), ".")
}

func load(v *viper.Viper, configDir string) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("collab")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}
	switch c.BrokerDriver {
	case BrokerMemory, BrokerRedis:
	default:
		return fmt.Errorf("BROKER_DRIVER must be %q or %q, got %q", BrokerMemory, BrokerRedis, c.BrokerDriver)
	}
	if c.JaegerSampleRatio < 0 || c.JaegerSampleRatio > 1 {
		return fmt.Errorf("JAEGER_SAMPLE_RATIO must be within [0, 1], got %v", c.JaegerSampleRatio)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.SubscribeTimeout <= 0 || c.ReconnectBase <= 0 {
		return fmt.Errorf("SUBSCRIBE_TIMEOUT and RECONNECT_BASE must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}
