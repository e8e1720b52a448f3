// Package config loads the indexer's YAML configuration.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
)

// Pipeline modes accepted in the pipelines map.
const (
	PipelineEnabled  = "enabled"
	PipelineDisabled = "disabled"
)

type Config struct {
	ServiceID       string            `yaml:"service_id"`
	Pipelines       map[string]string `yaml:"pipelines" validate:"required,min=1,dive,keys,required,endkeys,oneof=enabled disabled"`
	Bootstrap       BootstrapConfig   `yaml:"bootstrap_genesis"`
	Source          SourceConfig      `yaml:"source"`
	Storage         StorageConfig     `yaml:"storage"`
	Writer          WriterConfig      `yaml:"writer"`
	Query           QueryConfig       `yaml:"query"`
	Status          StatusConfig      `yaml:"status"`
	WatermarkMirror MirrorConfig      `yaml:"watermark_mirror"`
	Alerts          AlertsConfig      `yaml:"alerts"`
	ControlPlane    ControlConfig     `yaml:"control_plane"`
	Log             LogConfig         `yaml:"log"`
}

type BootstrapConfig struct {
	GenesisDigest          types.Digest `yaml:"genesis_digest"`
	InitialProtocolVersion uint64       `yaml:"initial_protocol_version"`
	// SystemStateFile is the JSON epoch-0 system state. Only read when the
	// store has not been bootstrapped yet.
	SystemStateFile string `yaml:"system_state_file"`
}

type SourceConfig struct {
	Type            string        `yaml:"type" validate:"required,oneof=fs http s3 gcs"`
	Path            string        `yaml:"path"`
	URL             string        `yaml:"url" validate:"omitempty,url"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint" validate:"omitempty,url"`
	CredentialsFile string        `yaml:"credentials_file"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1,lte=1024"`
	// End stops the run after this checkpoint.
	End   *uint64     `yaml:"end"`
	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	// MaxRetries of 0 retries an unavailable checkpoint forever.
	MaxRetries uint64 `yaml:"max_retries"`
}

type StorageConfig struct {
	Type string `yaml:"type" validate:"required,oneof=memory badger postgres sqlite"`
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type WriterConfig struct {
	MaxRetries     uint64        `yaml:"max_retries" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
}

type QueryConfig struct {
	Address        string        `yaml:"address"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`
}

type StatusConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type MirrorConfig struct {
	RedisAddress string `yaml:"redis_address" validate:"omitempty,hostname_port"`
	KeyPrefix    string `yaml:"key_prefix"`
	Channel      string `yaml:"channel"`
}

type AlertsConfig struct {
	SlackWebhookURL string   `yaml:"slack_webhook_url" validate:"omitempty,url"`
	SlackToken      string   `yaml:"slack_token"`
	SlackChannels   []string `yaml:"slack_channels"`
	SendgridAPIKey  string   `yaml:"sendgrid_api_key"`
	EmailFrom       string   `yaml:"email_from" validate:"omitempty,email"`
	EmailTo         []string `yaml:"email_to" validate:"dive,email"`
}

type ControlConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	ServiceName       string        `yaml:"service_name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Load reads path, expands ${VAR} references from the environment and
// applies defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML. Unknown keys are errors so that typos do not silently
// fall back to defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.ServiceID == "" {
		c.ServiceID = "checkpoint-indexer"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Source.Concurrency == 0 {
		c.Source.Concurrency = 8
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 30 * time.Second
	}
	if c.Source.Retry.InitialBackoff == 0 {
		c.Source.Retry.InitialBackoff = 100 * time.Millisecond
	}
	if c.Source.Retry.MaxBackoff == 0 {
		c.Source.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Writer.MaxRetries == 0 {
		c.Writer.MaxRetries = 5
	}
	if c.Writer.InitialBackoff == 0 {
		c.Writer.InitialBackoff = 50 * time.Millisecond
	}
	if c.Writer.MaxBackoff == 0 {
		c.Writer.MaxBackoff = 5 * time.Second
	}
	if c.Query.DefaultTimeout == 0 {
		c.Query.DefaultTimeout = 5 * time.Second
	}
	if c.Status.Interval == 0 {
		c.Status.Interval = 30 * time.Second
	}
	if c.ControlPlane.HeartbeatInterval == 0 {
		c.ControlPlane.HeartbeatInterval = 10 * time.Second
	}
	if c.ControlPlane.ServiceName == "" {
		c.ControlPlane.ServiceName = c.ServiceID
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// EnabledPipelines returns the names marked enabled, in the order of known.
// Names absent from the map are disabled.
func (c *Config) EnabledPipelines(known []string) []string {
	var out []string
	for _, name := range known {
		if c.Pipelines[name] == PipelineEnabled {
			out = append(out, name)
		}
	}
	return out
}
