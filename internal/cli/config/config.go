// Package config holds the command-line settings that sit above the indexer
// configuration file: flags, INDEXER_* environment variables and the optional
// ~/.checkpoint-indexer.yaml.
package config

import (
	"github.com/spf13/viper"
)

const EnvPrefix = "INDEXER"

type Settings struct {
	// LogLevel and LogFormat override the log section of the indexer
	// configuration when set.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Verbose   bool   `mapstructure:"verbose"`
}

func Load() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, err
	}
	if s.Verbose && s.LogLevel == "" {
		s.LogLevel = "debug"
	}
	return &s, nil
}
