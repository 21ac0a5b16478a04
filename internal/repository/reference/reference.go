// Package reference reads machine registrations from the portal database.
// The portal may run on PostgreSQL, MySQL or SQL Server.
package reference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
)

type queries struct {
	machineType string
	machineIDs  string
}

var dialects = map[string]queries{
	"postgres": {
		machineType: "SELECT type FROM machine WHERE machine_id = $1",
		machineIDs:  "SELECT machine_id FROM machine ORDER BY machine_id LIMIT $1",
	},
	"mysql": {
		machineType: "SELECT type FROM machine WHERE machine_id = ?",
		machineIDs:  "SELECT machine_id FROM machine ORDER BY machine_id LIMIT ?",
	},
	"sqlserver": {
		machineType: "SELECT type FROM machine WHERE machine_id = @p1",
		machineIDs:  "SELECT TOP (@p1) machine_id FROM machine ORDER BY machine_id",
	},
}

type Repository struct {
	db      *sql.DB
	driver  string
	q       queries
	timeout time.Duration
	logger  *zap.Logger
}

// NewRepository opens a connection pool for cfg.Driver and verifies it with a ping.
func NewRepository(ctx context.Context, cfg config.ReferenceConfig, logger *zap.Logger) (*Repository, error) {
	driver := normalizeDriver(cfg.Driver)
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported reference database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("open %s reference database: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	repo, err := NewRepositoryWithDB(db, driver, cfg.QueryTimeout, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := repo.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("[Reference] Connected", zap.String("driver", driver))
	return repo, nil
}

// NewRepositoryWithDB wraps an existing pool.
func NewRepositoryWithDB(db *sql.DB, driver string, timeout time.Duration, logger *zap.Logger) (*Repository, error) {
	driver = normalizeDriver(driver)
	q, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported reference database driver %q", driver)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Repository{db: db, driver: driver, q: q, timeout: timeout, logger: logger}, nil
}

func normalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "postgresql":
		return "postgres"
	case "mssql":
		return "sqlserver"
	default:
		return d
	}
}

// MachineType returns the registered type of a machine. found is false when no row exists.
func (r *Repository) MachineType(ctx context.Context, machineID int64) (string, bool, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("reference_machine_type").Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var machineType string
	err := r.db.QueryRowContext(ctx, r.q.machineType, machineID).Scan(&machineType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		r.logger.Error("[Reference] Machine type query failed",
			zap.Int64("machine_id", machineID),
			zap.Error(err))
		return "", false, apperrors.Repository("machine_type", err)
	}
	return strings.TrimSpace(machineType), true, nil
}

// MachineIDs lists registered machine ids in ascending order, at most limit of them.
func (r *Repository) MachineIDs(ctx context.Context, limit int) ([]int64, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("reference_machine_ids").Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, r.q.machineIDs, limit)
	if err != nil {
		return nil, apperrors.Repository("machine_ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Repository("machine_ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Repository("machine_ids", err)
	}
	return ids, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.db.PingContext(ctx); err != nil {
		return apperrors.Repository("ping", err)
	}
	return nil
}

func (r *Repository) Close() error {
	r.logger.Info("[Reference] Closing connection pool")
	return r.db.Close()
}
