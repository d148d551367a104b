package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/papa/internal/history"
)

// Config selects the server and table. Empty fields fall back to ClickHouse defaults.
type Config struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(cfg Config) (*Sink, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:9000"
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "process_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: cfg.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			type String,
			occurred_at DateTime64(6),
			name String,
			pid Int64,
			run UInt64,
			state String,
			exit_code Int32,
			exit_signal String,
			failures UInt32,
			restarts UInt32,
			error String
		) ENGINE = MergeTree()
		ORDER BY (name, occurred_at)`, s.table))
	if err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, name, pid, run, state, exit_code, exit_signal, failures, restarts, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	rec := e.Record
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		rec.Name,
		int64(rec.PID),
		rec.Run,
		rec.State,
		int32(rec.ExitCode),
		rec.ExitSignal,
		uint32(rec.Failures),
		uint32(rec.Restarts),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
