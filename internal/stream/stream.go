// Package stream connects the decision pipeline to Kafka: observation
// and outcome consumers plus the decision publisher.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds Kafka connection and topic settings.
type Config struct {
	Brokers       []string `yaml:"brokers" validate:"min=1"`
	ConsumerGroup string   `yaml:"consumer_group" validate:"required"`

	// Topics of the pipeline.
	ObservationsTopic string `yaml:"observations_topic" validate:"required"`
	OutcomesTopic     string `yaml:"outcomes_topic" validate:"required"`
	DecisionsTopic    string `yaml:"decisions_topic" validate:"required"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"`
	TLSSkipVerify    bool   `yaml:"tls_skip_verify,omitempty"`

	CommitInterval  time.Duration `yaml:"commit_interval"`
	ConsumerMaxWait time.Duration `yaml:"consumer_max_wait"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`

	ProducerBatchTimeout time.Duration `yaml:"producer_batch_timeout"`
	ProducerMaxRetries   int           `yaml:"producer_max_retries"`
}

// DefaultConfig returns the default stream settings.
func DefaultConfig() Config {
	return Config{
		Brokers:              []string{"localhost:9092"},
		ConsumerGroup:        "netdefend",
		ObservationsTopic:    "netdefend.observations",
		OutcomesTopic:        "netdefend.outcomes",
		DecisionsTopic:       "netdefend.decisions",
		SecurityProtocol:     "PLAINTEXT",
		CommitInterval:       time.Second,
		ConsumerMaxWait:      500 * time.Millisecond,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         30 * time.Second,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
	}
}

// Validate checks connection settings beyond struct tags.
func (c Config) Validate() error {
	switch c.SecurityProtocol {
	case "", "PLAINTEXT", "SSL":
	case "SASL_PLAINTEXT", "SASL_SSL":
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("stream: SASL credentials required")
		}
	default:
		return fmt.Errorf("stream: invalid security protocol %q", c.SecurityProtocol)
	}
	return nil
}

func (c Config) useTLS() bool {
	return c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

func (c Config) useSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

func (c Config) tlsConfig() *tls.Config {
	if !c.useTLS() {
		return nil
	}
	if c.TLSSkipVerify {
		slog.Warn("kafka TLS certificate verification disabled")
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

func (c Config) saslMechanism() (sasl.Mechanism, error) {
	if !c.useSASL() {
		return nil, nil
	}
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("stream: unsupported SASL mechanism %q", c.SASLMechanism)
	}
}

// newReader builds a consumer-group reader for one topic.
func (c Config) newReader(topic string) (*kafka.Reader, error) {
	mechanism, err := c.saslMechanism()
	if err != nil {
		return nil, err
	}
	dialer := &kafka.Dialer{
		Timeout:       c.DialTimeout,
		DualStack:     true,
		TLS:           c.tlsConfig(),
		SASLMechanism: mechanism,
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.ConsumerGroup,
		Topic:          topic,
		MaxWait:        c.ConsumerMaxWait,
		CommitInterval: c.CommitInterval,
		StartOffset:    kafka.LastOffset,
		Dialer:         dialer,
	}), nil
}

// newWriter builds the decision publisher.
func (c Config) newWriter(topic string) (*kafka.Writer, error) {
	mechanism, err := c.saslMechanism()
	if err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: c.ProducerBatchTimeout,
		MaxAttempts:  c.ProducerMaxRetries,
		WriteTimeout: c.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Lz4,
		Transport: &kafka.Transport{
			TLS:  c.tlsConfig(),
			SASL: mechanism,
		},
	}, nil
}

// reachable dials the first broker to verify connectivity.
func (c Config) reachable(ctx context.Context) error {
	mechanism, err := c.saslMechanism()
	if err != nil {
		return err
	}
	dialer := &kafka.Dialer{
		Timeout:       c.DialTimeout,
		TLS:           c.tlsConfig(),
		SASLMechanism: mechanism,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.Brokers[0])
	if err != nil {
		return fmt.Errorf("stream: broker unreachable: %w", err)
	}
	return conn.Close()
}
