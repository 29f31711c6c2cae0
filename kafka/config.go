// Package kafka provides Kafka producer functionality for streaming tag changes.
package kafka

import (
	"crypto/tls"
	"time"

	appconfig "opclink/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism SASLMechanism `yaml:"sasl_mechanism,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`

	// Producer settings
	RequiredAcks int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader only
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// Tag publishing settings
	PublishChanges   bool   `yaml:"publish_changes,omitempty"` // Publish tag changes to Kafka
	Selector         string `yaml:"selector,omitempty"`        // Optional sub-namespace
	AutoCreateTopics bool   `yaml:"auto_create_topics,omitempty"`
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Enabled:          false,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1, // All replicas must acknowledge
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
	}
}

// FromAppConfig converts a persisted cluster configuration into a producer config.
func FromAppConfig(c appconfig.KafkaConfig) Config {
	cfg := Config{
		Name:           c.Name,
		Enabled:        c.Enabled,
		Brokers:        c.Brokers,
		UseTLS:         c.UseTLS,
		TLSSkipVerify:  c.TLSSkipVerify,
		SASLMechanism:  SASLMechanism(c.SASLMechanism),
		Username:       c.Username,
		Password:       c.Password,
		RequiredAcks:   c.RequiredAcks,
		MaxRetries:     c.MaxRetries,
		RetryBackoff:   c.RetryBackoff,
		PublishChanges: c.PublishChanges,
		Selector:       c.Selector,
		// nil means unset, which defaults to auto-create on
		AutoCreateTopics: c.AutoCreateTopics == nil || *c.AutoCreateTopics,
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return cfg
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
