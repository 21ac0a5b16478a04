package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id           BIGSERIAL PRIMARY KEY,
	aggregate_id VARCHAR(36)  NOT NULL,
	event_type   VARCHAR(100) NOT NULL,
	payload      JSONB        NOT NULL,
	created_at   TIMESTAMP    NOT NULL,
	processed    BOOLEAN      NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMP    NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate_id ON outbox (aggregate_id);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox (created_at) WHERE processed = FALSE;

CREATE TABLE IF NOT EXISTS anomaly_history (
	id                  BIGSERIAL PRIMARY KEY,
	machine_id          BIGINT           NOT NULL,
	detected_at         TIMESTAMP        NOT NULL,
	anomaly_probability DOUBLE PRECISION NOT NULL,
	sensor_data         JSONB            NOT NULL,
	severity            VARCHAR(20)      NOT NULL,
	created_at          TIMESTAMP        NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomaly_history_detected_at ON anomaly_history (detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_history_machine ON anomaly_history (machine_id, detected_at DESC);
`

const outboxColumns = "id, aggregate_id, event_type, payload, created_at, processed, processed_at"

type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

func NewPostgresRepository(ctx context.Context, dbConfig config.DBConfig, timeout time.Duration, logger *zap.Logger) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(dbConfig.DBSource)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig.MaxConns = int32(dbConfig.MaxDBConnections)
	poolConfig.MinConns = int32(dbConfig.MinDBConnections)
	poolConfig.MaxConnLifetime = dbConfig.MaxConnLifetime
	poolConfig.MaxConnIdleTime = dbConfig.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	go monitorConnections(ctx, pool, logger)

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresRepository{
		pool:    pool,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// monitorConnections periodically publishes pool statistics until ctx is cancelled.
func monitorConnections(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Postgres] Stopping connection monitor")
			return
		case <-ticker.C:
			stats := pool.Stat()
			metrics.DBActiveConnections.Set(float64(stats.AcquiredConns()))
			metrics.DBIdleConnections.Set(float64(stats.IdleConns()))

			logger.Debug("[Postgres] Connection stats",
				zap.Int("acquired", int(stats.AcquiredConns())),
				zap.Int("idle", int(stats.IdleConns())),
				zap.Int("max", int(stats.MaxConns())),
			)
		}
	}
}

// EnsureSchema creates the outbox and anomaly_history tables when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return apperrors.Storage("ensure_schema", err)
	}
	return nil
}

func observe(op string, start time.Time) {
	metrics.DBQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SaveAnomaly inserts the outbox row and its history row in one transaction and returns the
// outbox id. Either both rows are committed or neither is.
func (r *PostgresRepository) SaveAnomaly(ctx context.Context, event *domain.AnomalyEvent, history *domain.AnomalyHistory) (int64, error) {
	if ctx.Err() != nil {
		return 0, apperrors.Storage("save_anomaly", ctx.Err())
	}

	defer observe("save_anomaly", time.Now())

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, apperrors.Storage("save_anomaly", fmt.Errorf("encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, apperrors.Storage("save_anomaly", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.Background())
	}()

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO outbox (aggregate_id, event_type, payload, created_at, processed)
		 VALUES ($1, $2, $3, $4, FALSE) RETURNING id`,
		event.AggregateID, event.EventType, payload, event.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, apperrors.Storage("save_anomaly", fmt.Errorf("insert outbox: %w", err))
	}

	if history != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO anomaly_history (machine_id, detected_at, anomaly_probability, sensor_data, severity, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			history.MachineID, history.DetectedAt, history.AnomalyProbability,
			[]byte(history.SensorData), string(history.Severity), history.CreatedAt,
		)
		if err != nil {
			return 0, apperrors.Storage("save_anomaly", fmt.Errorf("insert anomaly_history: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperrors.Storage("save_anomaly", fmt.Errorf("commit: %w", err))
	}

	event.ID = id
	return id, nil
}

// GetByAggregateID returns every outbox row with the aggregate id, oldest first.
// Retried writes may have produced more than one.
func (r *PostgresRepository) GetByAggregateID(ctx context.Context, aggregateID string) ([]*domain.AnomalyEvent, error) {
	defer observe("get_by_aggregate_id", time.Now())

	rows, err := r.pool.Query(ctx,
		"SELECT "+outboxColumns+" FROM outbox WHERE aggregate_id = $1 ORDER BY id", aggregateID)
	if err != nil {
		return nil, apperrors.Storage("get_by_aggregate_id", err)
	}
	return collectEvents(rows, "get_by_aggregate_id")
}

// GetEvent returns one outbox row by id.
func (r *PostgresRepository) GetEvent(ctx context.Context, id int64) (*domain.AnomalyEvent, error) {
	defer observe("get_event", time.Now())

	rows, err := r.pool.Query(ctx, "SELECT "+outboxColumns+" FROM outbox WHERE id = $1", id)
	if err != nil {
		return nil, apperrors.Storage("get_event", err)
	}
	events, err := collectEvents(rows, "get_event")
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("outbox event %d: %w", id, apperrors.ErrNotFound)
	}
	return events[0], nil
}

// ListUnprocessed returns up to limit unprocessed rows, oldest first.
func (r *PostgresRepository) ListUnprocessed(ctx context.Context, limit int) ([]*domain.AnomalyEvent, error) {
	defer observe("list_unprocessed", time.Now())

	rows, err := r.pool.Query(ctx,
		"SELECT "+outboxColumns+" FROM outbox WHERE processed = FALSE ORDER BY created_at, id LIMIT $1", limit)
	if err != nil {
		return nil, apperrors.Storage("list_unprocessed", err)
	}
	return collectEvents(rows, "list_unprocessed")
}

// MarkProcessed flips the processed flag. It reports false when the row does not exist.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id int64, at time.Time) (bool, error) {
	defer observe("mark_processed", time.Now())

	tag, err := r.pool.Exec(ctx,
		"UPDATE outbox SET processed = TRUE, processed_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return false, apperrors.Storage("mark_processed", err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectEvents(rows pgx.Rows, op string) ([]*domain.AnomalyEvent, error) {
	defer rows.Close()

	var events []*domain.AnomalyEvent
	for rows.Next() {
		var (
			e       domain.AnomalyEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &payload,
			&e.CreatedAt, &e.Processed, &e.ProcessedAt); err != nil {
			return nil, apperrors.Storage(op, fmt.Errorf("scan outbox row: %w", err))
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, apperrors.Storage(op, fmt.Errorf("decode payload of %d: %w", e.ID, err))
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(op, err)
	}
	return events, nil
}

// ListHistories returns anomaly history rows matching filter, newest first.
func (r *PostgresRepository) ListHistories(ctx context.Context, filter domain.HistoryFilter) ([]*domain.AnomalyHistory, error) {
	defer observe("list_histories", time.Now())

	query, args := buildHistoryQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("list_histories", err)
	}
	defer rows.Close()

	var results []*domain.AnomalyHistory
	for rows.Next() {
		var (
			h        domain.AnomalyHistory
			sensor   []byte
			severity string
		)
		if err := rows.Scan(&h.ID, &h.MachineID, &h.DetectedAt, &h.AnomalyProbability,
			&sensor, &severity, &h.CreatedAt); err != nil {
			return nil, apperrors.Storage("list_histories", fmt.Errorf("scan history row: %w", err))
		}
		h.SensorData = sensor
		h.Severity = domain.Severity(severity)
		results = append(results, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list_histories", err)
	}
	return results, nil
}

const maxHistoryLimit = 1000

func buildHistoryQuery(f domain.HistoryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.MachineID != nil {
		add("machine_id = $%d", *f.MachineID)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Start != nil {
		add("detected_at >= $%d", *f.Start)
	}
	if f.End != nil {
		add("detected_at <= $%d", *f.End)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT id, machine_id, detected_at, anomaly_probability, sensor_data, severity, created_at FROM anomaly_history")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY detected_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

func (r *PostgresRepository) HealthCheck(ctx context.Context) error {
	defer observe("health_check", time.Now())

	if err := r.pool.Ping(ctx); err != nil {
		return apperrors.Storage("health_check", err)
	}
	return nil
}

// Close releases the pool. It is safe to call more than once.
func (r *PostgresRepository) Close() error {
	if r.pool != nil {
		r.pool.Close()
		r.logger.Info("[Postgres] Connection pool closed")
	}
	return nil
}
