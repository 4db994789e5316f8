package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool and target tables.
type PostgresConfig struct {
	DSN             string
	PageTable       string
	RunTable        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres inserts one row per page and one row per finished crawl run.
type Postgres struct {
	pool      execCloser
	pageTable string
	runTable  string
}

// NewPostgres connects a pool using cfg.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("stats.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresWithPool(pool, cfg.PageTable, cfg.RunTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithPool builds the sink on an existing pool.
func NewPostgresWithPool(pool execCloser, pageTable, runTable string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if pageTable == "" {
		pageTable = "crawl_page_stats"
	}
	if runTable == "" {
		runTable = "crawl_runs"
	}
	for _, table := range []string{pageTable, runTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Postgres{pool: pool, pageTable: pageTable, runTable: runTable}, nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordPage implements crawler.StatsSink.
func (s *Postgres) RecordPage(ctx context.Context, report crawler.PageReport) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	url,
	host,
	task_key,
	identity_id,
	protocol_code,
	bytes,
	elapsed_ms,
	integrity,
	anchors,
	images,
	texts,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.pageTable)
	args := []any{
		report.URL,
		report.Host,
		report.TaskKey,
		report.IdentityID,
		report.ProtocolCode,
		report.Bytes,
		report.Elapsed.Milliseconds(),
		report.Integrity,
		report.Page.Anchors,
		report.Page.Images,
		report.Page.Texts,
		report.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page stats: %w", err)
	}
	return nil
}

// RecordRun stores the final scheduler counters of one crawl run.
func (s *Postgres) RecordRun(ctx context.Context, runID uuid.UUID, startedAt, finishedAt time.Time, snap crawler.StateSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, finished_at, dispatched, successes, retries, gone, critical_warning, snapshot)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE
SET finished_at = EXCLUDED.finished_at, snapshot = EXCLUDED.snapshot`, s.runTable)
	_, err = s.pool.Exec(ctx, query,
		runID,
		startedAt,
		finishedAt,
		snap.Dispatched,
		snap.Successes,
		snap.Retries,
		snap.Gone,
		snap.Warning,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}
	return nil
}
