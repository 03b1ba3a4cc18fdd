// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures the analysis pipeline and execution.
type EngineConfig struct {
	AnalysisWorkers   int           `mapstructure:"analysis_workers"`
	AnalysisQueueSize int           `mapstructure:"analysis_queue_size"`
	AnalysisInterval  time.Duration `mapstructure:"analysis_interval"`
	PaperTrading      bool          `mapstructure:"paper_trading"`
	SlippageBps       int64         `mapstructure:"slippage_bps"`
	OrderType         string        `mapstructure:"order_type"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Addr returns the server's listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads engine.yaml from dir, then applies ENGINE_* environment
// overrides (ENGINE_SERVER_PORT, ENGINE_DATABASE_PATH, ...). A missing file
// is fine; defaults plus environment apply.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.path", "portfolio-engine.db")

	v.SetDefault("engine.analysis_workers", 4)
	v.SetDefault("engine.analysis_queue_size", 256)
	v.SetDefault("engine.analysis_interval", time.Duration(0))
	v.SetDefault("engine.paper_trading", true)
	v.SetDefault("engine.slippage_bps", 5)
	v.SetDefault("engine.order_type", "market")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}
