package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/alerts"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time, so schema init works
// inside the Docker runtime image which does not carry the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore persists blacklist entries, assessments, and alerts. It
// satisfies blacklist.Store and alerts.AlertSink.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Connect initializes the connection pool.
func Connect(ctx context.Context, connStr string, log *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info("connected to postgres")
	return &PostgresStore{pool: pool, log: log}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL. All statements are idempotent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	s.log.Info("schema initialized")
	return nil
}

// Lookup returns the active blacklist entry for a normalized address, or
// (nil, nil) when the address is not listed.
func (s *PostgresStore) Lookup(ctx context.Context, address string) (*models.BlacklistEntry, error) {
	const q = `
		SELECT address, address_type, severity, reason, source, active
		FROM blacklist_addresses
		WHERE address = $1 AND active;
	`
	var e models.BlacklistEntry
	err := s.pool.QueryRow(ctx, q, models.NormalizeAddress(address)).Scan(
		&e.Address, &e.AddressType, &e.Severity, &e.Reason, &e.Source, &e.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	return &e, nil
}

// ListActive returns every active blacklist entry.
func (s *PostgresStore) ListActive(ctx context.Context) ([]models.BlacklistEntry, error) {
	const q = `
		SELECT address, address_type, severity, reason, source, active
		FROM blacklist_addresses
		WHERE active
		ORDER BY address;
	`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("blacklist list: %w", err)
	}
	defer rows.Close()

	entries := make([]models.BlacklistEntry, 0)
	for rows.Next() {
		var e models.BlacklistEntry
		if err := rows.Scan(&e.Address, &e.AddressType, &e.Severity, &e.Reason, &e.Source, &e.Active); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertBlacklistEntry inserts or refreshes one entry.
func (s *PostgresStore) UpsertBlacklistEntry(ctx context.Context, e models.BlacklistEntry) error {
	const q = `
		INSERT INTO blacklist_addresses (address, address_type, severity, reason, source, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			address_type = EXCLUDED.address_type,
			severity = EXCLUDED.severity,
			reason = EXCLUDED.reason,
			source = EXCLUDED.source,
			active = EXCLUDED.active,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, q,
		models.NormalizeAddress(e.Address), e.AddressType, string(e.Severity), e.Reason, e.Source, e.Active)
	return err
}

// DeactivateBlacklistEntry soft-deletes an entry so audit history survives.
func (s *PostgresStore) DeactivateBlacklistEntry(ctx context.Context, address string) error {
	const q = `UPDATE blacklist_addresses SET active = FALSE, updated_at = NOW() WHERE address = $1;`
	tag, err := s.pool.Exec(ctx, q, models.NormalizeAddress(address))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("blacklist entry not found: %s", address)
	}
	return nil
}

// SaveAssessment persists one completed assessment. Re-analysis of the same
// transaction overwrites the previous row.
func (s *PostgresStore) SaveAssessment(ctx context.Context, tx models.Transaction, a models.RiskAssessment) error {
	outcomes, err := json.Marshal(a.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	const q = `
		INSERT INTO risk_assessments
			(tx_hash, from_address, to_address, value_usd, risk_score, risk_level,
			 triggered_rules, outcomes, partial, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_hash) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			triggered_rules = EXCLUDED.triggered_rules,
			outcomes = EXCLUDED.outcomes,
			partial = EXCLUDED.partial,
			duration_ms = EXCLUDED.duration_ms,
			analyzed_at = NOW();
	`
	_, err = s.pool.Exec(ctx, q,
		a.TransactionHash,
		models.NormalizeAddress(tx.FromAddress),
		models.NormalizeAddress(tx.ToAddress),
		tx.ValueUSD,
		a.Score,
		string(a.Level),
		a.TriggeredRules,
		outcomes,
		a.Partial,
		float64(a.Duration.Microseconds())/1000.0,
	)
	return err
}

// saveTimeout bounds hot-path persistence so a hung database degrades to a
// logged error instead of a stalled pipeline.
const saveTimeout = 5 * time.Second

// SaveAlert persists one emitted alert. Satisfies alerts.AlertSink.
func (s *PostgresStore) SaveAlert(alert alerts.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	const q = `
		INSERT INTO fraud_alerts
			(id, tx_hash, severity, from_address, to_address, value_usd,
			 risk_score, triggered_rules, title, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, q,
		alert.ID,
		alert.TransactionHash,
		string(alert.Severity),
		alert.FromAddress,
		alert.ToAddress,
		alert.ValueUSD,
		alert.RiskScore,
		alert.TriggeredRules,
		payload,
		alert.Timestamp,
	)
	return err
}

// ListAlerts returns persisted alerts newest first, paginated.
func (s *PostgresStore) ListAlerts(ctx context.Context, page, limit int) ([]alerts.Alert, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fraud_alerts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	const q = `
		SELECT payload
		FROM fraud_alerts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]alerts.Alert, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, err
		}
		var a alerts.Alert
		if err := json.Unmarshal(payload, &a); err != nil {
			s.log.Warn("skipping undecodable alert row", zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// AssessmentCountsByLevel aggregates stored assessments for the stats API.
func (s *PostgresStore) AssessmentCountsByLevel(ctx context.Context) (map[string]int, error) {
	const q = `SELECT risk_level, COUNT(*) FROM risk_assessments GROUP BY risk_level;`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// GetPool exposes the pool for subsystems needing raw access.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
