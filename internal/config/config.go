// Package config loads ServiceConfig the way the rest of this family of
// services does: viper bound to environment variables with defaults, plus
// an optional YAML file for operators who prefer one.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// ServiceConfig is the process-wide, immutable-after-load configuration.
type ServiceConfig struct {
	Port              int
	InstanceID        string
	RedisURL          string
	EvictionGrace     time.Duration
	OutboundQueueSize int
}

// Load reads configuration from the environment (and, if present, a
// collabrelay.yaml in the current directory, ./config, or /etc/collabrelay),
// with environment variables taking precedence over the file. REDIS_URL has
// no default and its absence is a fatal load error; every other field has a
// usable default.
func Load() (ServiceConfig, error) {
	v := viper.New()

	v.SetDefault("port", 1234)
	v.SetDefault("eviction_grace", "60s")
	v.SetDefault("outbound_queue_size", 32)

	v.SetConfigName("collabrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/collabrelay")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return ServiceConfig{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	for key, env := range map[string]string{
		"port":                "PORT",
		"instance_id":         "INSTANCE_ID",
		"redis_url":           "REDIS_URL",
		"eviction_grace":      "EVICTION_GRACE",
		"outbound_queue_size": "OUTBOUND_QUEUE_SIZE",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return ServiceConfig{}, fmt.Errorf("config: binding %s: %w", env, err)
		}
	}

	redisURL := v.GetString("redis_url")
	if redisURL == "" {
		return ServiceConfig{}, fmt.Errorf("config: REDIS_URL is required")
	}

	evictionGrace, err := time.ParseDuration(v.GetString("eviction_grace"))
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("config: invalid eviction_grace: %w", err)
	}

	instanceID := v.GetString("instance_id")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	return ServiceConfig{
		Port:              v.GetInt("port"),
		InstanceID:        instanceID,
		RedisURL:          redisURL,
		EvictionGrace:     evictionGrace,
		OutboundQueueSize: v.GetInt("outbound_queue_size"),
	}, nil
}
