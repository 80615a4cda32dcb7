// Package audit persists the decision trail to ClickHouse for offline
// review and policy evaluation.
package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"netdefend/internal/schema"
)

// ClickHouseConfig holds the audit store connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts" validate:"min=1"`
	Database        string        `yaml:"database" validate:"required"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns the default connection settings.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "netdefend",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// decisionsDDL creates the audit table. MergeTree ordered by decision
// time with a 90 day TTL.
const decisionsDDL = `
CREATE TABLE IF NOT EXISTS decisions (
	correlation_id    String,
	observation_id    String,
	source_ip         String,
	dest_port         UInt16,
	protocol          LowCardinality(String),
	probability       Float64,
	severity          LowCardinality(String),
	action            LowCardinality(String),
	block_duration_ms Int64,
	escalated         UInt8,
	escalation_reason String,
	model_version     UInt64,
	latency_us        Int64,
	decided_at        DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (decided_at, source_ip)
TTL toDateTime(decided_at) + INTERVAL 90 DAY
`

// Store is the ClickHouse-backed decision sink.
type Store struct {
	conn driver.Conn
	cfg  ClickHouseConfig
}

// NewStore connects to ClickHouse and ensures the decisions table
// exists.
func NewStore(ctx context.Context, cfg ClickHouseConfig) (*Store, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: clickhouse unreachable: %w", err)
	}

	s := &Store{conn: conn, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.conn.Exec(ctx, decisionsDDL); err != nil {
		return fmt.Errorf("audit: failed to create decisions table: %w", err)
	}
	return nil
}

// InsertDecisions writes one batch of decisions.
func (s *Store) InsertDecisions(ctx context.Context, decisions []schema.Decision) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO decisions (
			correlation_id, observation_id, source_ip, dest_port,
			protocol, probability, severity, action, block_duration_ms,
			escalated, escalation_reason, model_version, latency_us,
			decided_at
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: failed to prepare batch: %w", err)
	}

	for _, d := range decisions {
		escalated := uint8(0)
		if d.Escalated {
			escalated = 1
		}
		if err := batch.Append(
			d.CorrelationID,
			d.Observation.ID,
			d.Observation.SourceIP,
			uint16(d.Observation.DestPort),
			string(d.Observation.Protocol),
			d.Observation.Probability,
			string(d.Observation.Severity),
			d.Action.String(),
			d.Action.Duration.Milliseconds(),
			escalated,
			d.EscalationReason,
			d.ModelVersion,
			d.Latency.Microseconds(),
			d.DecidedAt,
		); err != nil {
			return fmt.Errorf("audit: failed to append decision: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: failed to send batch: %w", err)
	}
	return nil
}

// Ping checks connection liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
