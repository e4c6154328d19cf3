// Package config loads the server settings from a YAML file and QRDAG_
// prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"qrdag/conflict"
	"qrdag/consensus"
	"qrdag/pipeline"
)

const EnvPrefix = "QRDAG"

type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Log struct {
		AppLogFile string `mapstructure:"app_log_file"`
		Level      string `mapstructure:"level"`
	} `mapstructure:"log"`
	LevelDB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"leveldb"`
	Consensus consensus.Config `mapstructure:"consensus"`
	Pipeline  struct {
		MaxConcurrent  int    `mapstructure:"max_concurrent"`
		ConflictPolicy string `mapstructure:"conflict_policy"`
	} `mapstructure:"pipeline"`
	Verifier struct {
		CacheSize int `mapstructure:"cache_size"`
	} `mapstructure:"verifier"`
	Sweeper struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sweeper"`
}

func setDefaults(v *viper.Viper) {
	cc := consensus.DefaultConfig()
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/qrdag")
	v.SetDefault("consensus.query_sample_size", cc.QuerySampleSize)
	v.SetDefault("consensus.finality_threshold", cc.FinalityThreshold)
	v.SetDefault("consensus.finality_timeout", cc.FinalityTimeout)
	v.SetDefault("consensus.confirmation_depth", cc.ConfirmationDepth)
	v.SetDefault("consensus.round_timeout", cc.RoundTimeout)
	v.SetDefault("consensus.max_sample_retries", cc.MaxSampleRetries)
	v.SetDefault("consensus.max_rounds", cc.MaxRounds)
	v.SetDefault("pipeline.max_concurrent", pipeline.DefaultMaxConcurrent)
	v.SetDefault("pipeline.conflict_policy", conflict.PolicyOverlap)
	v.SetDefault("verifier.cache_size", 4096)
	v.SetDefault("sweeper.interval", cc.FinalityTimeout)
}

// Load reads path, if not empty, on top of the defaults. Environment variables
// such as QRDAG_SERVER_PORT override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if _, err := conflict.ForPolicy(c.Pipeline.ConflictPolicy); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Verifier.CacheSize <= 0 {
		return fmt.Errorf("verifier.cache_size must be positive, got %d", c.Verifier.CacheSize)
	}
	return nil
}
