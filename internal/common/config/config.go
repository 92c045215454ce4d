// Package config provides configuration management for the ACP runtime.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults, in that order of precedence (env wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/acp-runtime/internal/common/logger"
)

// Config aggregates every configuration section recognized by the daemon.
type Config struct {
	Server  ServerConfig         `mapstructure:"server"`
	Runtime RuntimeConfig        `mapstructure:"runtime"`
	Events  EventsConfig         `mapstructure:"events"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP bind configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RuntimeConfig holds the ACP runtime's own tunables (spec.md §9).
type RuntimeConfig struct {
	RPCTimeoutSeconds      int `mapstructure:"rpcTimeout"`
	RingCapacity           int `mapstructure:"ringCapacity"`
	StderrHeadLines        int `mapstructure:"stderrHeadLines"`
	StderrTailLines        int `mapstructure:"stderrTailLines"`
	ShutdownGraceSeconds   int `mapstructure:"shutdownGrace"`
	SSEKeepaliveSeconds    int `mapstructure:"sseKeepalive"`
	BroadcastChannelBuffer int `mapstructure:"broadcastCapacity"`
}

func (r RuntimeConfig) RPCTimeout() time.Duration {
	return time.Duration(r.RPCTimeoutSeconds) * time.Second
}

func (r RuntimeConfig) ShutdownGrace() time.Duration {
	return time.Duration(r.ShutdownGraceSeconds) * time.Second
}

func (r RuntimeConfig) SSEKeepalive() time.Duration {
	return time.Duration(r.SSEKeepaliveSeconds) * time.Second
}

// EventsConfig controls the optional NATS mirror of Universal Events.
type EventsConfig struct {
	NATSURL           string `mapstructure:"natsURL"`
	NATSSubjectPrefix string `mapstructure:"natsSubjectPrefix"`
}

// Load reads configuration from (in increasing precedence) built-in
// defaults, an optional config file, and ACPRUNTIME_*-prefixed env vars.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("acpruntime")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acpruntime")

	v.SetEnvPrefix("ACPRUNTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7591)

	v.SetDefault("runtime.rpcTimeout", 120)
	v.SetDefault("runtime.ringCapacity", 512)
	v.SetDefault("runtime.stderrHeadLines", 200)
	v.SetDefault("runtime.stderrTailLines", 200)
	v.SetDefault("runtime.shutdownGrace", 2)
	v.SetDefault("runtime.sseKeepalive", 15)
	v.SetDefault("runtime.broadcastCapacity", 256)

	v.SetDefault("events.natsURL", "")
	v.SetDefault("events.natsSubjectPrefix", "acpruntime.events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
