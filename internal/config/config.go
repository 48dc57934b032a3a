package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	ShutdownPolicyAwait  = "await"
	ShutdownPolicyDetach = "detach"
)

type Config struct {
	DatabaseURL      string
	StorageDriver    string
	APIPort          string
	PoolSize         int
	QueueSize        int
	DBBatchSize      int
	InvalidBatchSize int
	ShutdownPolicy   string
	ShutdownTimeout  time.Duration
	StrictSalePrice  bool
	LogLevel         string
	LogFormat        string
}

// New reads the configuration from the environment. When CONFIG_FILE is set the
// file is read first and the environment overrides it.
func New() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	v.SetDefault("API_PORT", "8080")
	v.SetDefault("POOL_SIZE", 20)
	v.SetDefault("DB_BATCH_SIZE", 10000)
	v.SetDefault("INVALID_BATCH_SIZE", 1000)
	v.SetDefault("SHUTDOWN_POLICY", ShutdownPolicyDetach)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10m")
	v.SetDefault("STRICT_SALE_PRICE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		DatabaseURL:    v.GetString("DATABASE_URL"),
		StorageDriver:  strings.ToLower(v.GetString("STORAGE_DRIVER")),
		APIPort:        v.GetString("API_PORT"),
		ShutdownPolicy: strings.ToLower(v.GetString("SHUTDOWN_POLICY")),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFormat:      strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
		}
	case StorageDriverMemory:
	default:
		return nil, fmt.Errorf("invalid value for STORAGE_DRIVER: expected %s or %s, got '%s'", StorageDriverPostgres, StorageDriverMemory, cfg.StorageDriver)
	}

	if cfg.ShutdownPolicy != ShutdownPolicyAwait && cfg.ShutdownPolicy != ShutdownPolicyDetach {
		return nil, fmt.Errorf("invalid value for SHUTDOWN_POLICY: expected %s or %s, got '%s'", ShutdownPolicyAwait, ShutdownPolicyDetach, cfg.ShutdownPolicy)
	}

	var err error
	cfg.PoolSize, err = getPositiveInt(v, "POOL_SIZE")
	if err != nil {
		return nil, err
	}

	v.SetDefault("QUEUE_SIZE", 2*cfg.PoolSize)
	cfg.QueueSize, err = getPositiveInt(v, "QUEUE_SIZE")
	if err != nil {
		return nil, err
	}

	cfg.DBBatchSize, err = getPositiveInt(v, "DB_BATCH_SIZE")
	if err != nil {
		return nil, err
	}

	cfg.InvalidBatchSize, err = getPositiveInt(v, "INVALID_BATCH_SIZE")
	if err != nil {
		return nil, err
	}

	timeout := v.GetString("SHUTDOWN_TIMEOUT")
	cfg.ShutdownTimeout, err = time.ParseDuration(timeout)
	if err != nil || cfg.ShutdownTimeout < 0 {
		return nil, fmt.Errorf("invalid value for SHUTDOWN_TIMEOUT: expected a duration, got '%s'", timeout)
	}

	strict := v.GetString("STRICT_SALE_PRICE")
	cfg.StrictSalePrice, err = strconv.ParseBool(strict)
	if err != nil {
		return nil, fmt.Errorf("invalid value for STRICT_SALE_PRICE: expected a boolean, got '%s'", strict)
	}

	return cfg, nil
}

// getPositiveInt is strict where viper's GetInt would silently return 0.
func getPositiveInt(v *viper.Viper, key string) (int, error) {
	valueStr := v.GetString(key)
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid value for %s: expected a positive integer, got %d", key, value)
	}
	return value, nil
}
