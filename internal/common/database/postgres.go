package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"application-lifecycle/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient holds the pooled handle backing the state store.
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres opens a pooled handle tagged with the configured
// application_name. Nothing is dialled until Ping.
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	lifetime := time.Duration(cfg.ConnMaxLifetime) * time.Second
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(lifetime)

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// RegisterMetrics exposes the pool's open/in-use/idle counts. Registering
// the same pool twice is a no-op.
func (c *PostgresClient) RegisterMetrics(reg prometheus.Registerer) error {
	gauge := func(name, help string, read func(sql.DBStats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lifecycle_postgres_" + name,
			Help: help,
		}, func() float64 { return float64(read(c.DB.Stats())) })
	}
	return registerAll(reg,
		gauge("open_connections", "Open connections in the state store pool", func(s sql.DBStats) int { return s.OpenConnections }),
		gauge("in_use_connections", "State store connections currently in use", func(s sql.DBStats) int { return s.InUse }),
		gauge("idle_connections", "Idle state store connections", func(s sql.DBStats) int { return s.Idle }),
	)
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

func registerAll(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
