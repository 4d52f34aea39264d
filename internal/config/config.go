package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the recognized option surface. Flags override the
// environment, the environment overrides the config file, and the
// network and logging options have defaults.
type Config struct {
	IP      string `mapstructure:"ip"`
	Port    uint16 `mapstructure:"port"`
	LMQPort uint16 `mapstructure:"lmq_port"`

	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`

	Testnet    bool `mapstructure:"testnet"`
	ForceStart bool `mapstructure:"force_start"`
	LMQQuic    bool `mapstructure:"lmq_quic"`

	StatsAccessKey string `mapstructure:"stats_access_key"`
}

// Limits groups the size and timing constants; testnet selects the
// shorter/smaller set.
type Limits struct {
	MaxRequestBody int64
	MaxMessageBody int
	SessionTimeout time.Duration
}

const (
	maxRequestBody = 10 * 1024 * 1024
	maxMessageBody = 100 * 1024

	sessionTimeout        = 60 * time.Second
	testnetSessionTimeout = 10 * time.Second
	testnetMessageBody    = 20 * 1024
)

func (c Config) Limits() Limits {
	if c.Testnet {
		return Limits{
			MaxRequestBody: maxRequestBody,
			MaxMessageBody: testnetMessageBody,
			SessionTimeout: testnetSessionTimeout,
		}
	}
	return Limits{
		MaxRequestBody: maxRequestBody,
		MaxMessageBody: maxMessageBody,
		SessionTimeout: sessionTimeout,
	}
}

// Load reads the optional config file and the SWARMNODE_* environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("ip", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("lmq_port", 8081)
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "")

	v.SetEnvPrefix("SWARMNODE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
