// Package config loads process configuration from app.yaml plus
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Engine    EngineConfig   `mapstructure:"engine"`
	JWTSecret string         `mapstructure:"jwt_secret"`

	// ObjectsPath is the directory of object definition JSON files loaded
	// into the registry at startup.
	ObjectsPath string `mapstructure:"objects_path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig selects the storage driver: "memory", "sqlite", or
// "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type EngineConfig struct {
	// MaxLimit caps page sizes for every query; 0 keeps the built-in cap.
	MaxLimit int `mapstructure:"max_limit"`
	// FormulaTimeoutMs bounds each formula evaluation; 0 keeps the default.
	FormulaTimeoutMs int `mapstructure:"formula_timeout_ms"`
}

func (e EngineConfig) FormulaTimeout() time.Duration {
	return time.Duration(e.FormulaTimeoutMs) * time.Millisecond
}

// DSN returns the driver-specific data source name. Meaningless for the
// memory driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "memory")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "objectql")
	viper.SetDefault("database.path", "./data")
	viper.SetDefault("engine.max_limit", 0)
	viper.SetDefault("engine.formula_timeout_ms", 0)
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("objects_path", "./objects")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults cover a full dev setup; only a malformed file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
