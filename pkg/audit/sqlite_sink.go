package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// SQLiteSink appends decision records to a local SQLite database
type SQLiteSink struct {
	db     *sql.DB
	dbPath string
	logger *logx.Logger
}

// NewSQLiteSink opens (or creates) the audit database at path
func NewSQLiteSink(path string, logger *logx.Logger) (*SQLiteSink, error) {
	if path == "" {
		path = "/tmp/airbalance_audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteSink{db: db, dbPath: path, logger: logger}
	if err := s.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("audit_database_initialized", "database_path", path)
	return s, nil
}

func (s *SQLiteSink) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		decision_type TEXT NOT NULL,
		decision_trigger TEXT,
		station TEXT,
		from_ap TEXT,
		to_ap TEXT,
		reasoning TEXT,
		score REAL,
		baseline_util REAL,
		current_util REAL,
		context TEXT,
		execution_ns INTEGER,
		success BOOLEAN NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_station ON decisions(station);
	`
	_, err := s.db.Exec(createTableSQL)
	return err
}

// Write stores one record
func (s *SQLiteSink) Write(ctx context.Context, record *DecisionRecord) error {
	var contextJSON []byte
	if len(record.Context) > 0 {
		var err error
		if contextJSON, err = json.Marshal(record.Context); err != nil {
			return fmt.Errorf("failed to encode decision context: %w", err)
		}
	}

	insertSQL := `
	INSERT INTO decisions (
		id, timestamp, decision_type, decision_trigger, station, from_ap, to_ap,
		reasoning, score, baseline_util, current_util, context, execution_ns, success, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, insertSQL,
		record.DecisionID, record.Timestamp.UTC(), record.DecisionType, record.Trigger,
		string(record.Station), string(record.FromAP), string(record.ToAP),
		record.Reasoning, record.Score, record.Baseline, record.Current, string(contextJSON),
		record.ExecutionTime.Nanoseconds(), record.Success, record.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to store decision: %w", err)
	}
	return nil
}

// Recent returns up to limit records newer than since, oldest first
func (s *SQLiteSink) Recent(ctx context.Context, since time.Time, limit int) ([]*DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, timestamp, decision_type, decision_trigger, station, from_ap, to_ap,
		   reasoning, score, baseline_util, current_util, context, execution_ns, success, error
	FROM decisions
	WHERE timestamp > ?
	ORDER BY timestamp DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		var (
			rec                           DecisionRecord
			station, from, to, contextStr string
			execNS                        int64
		)
		if err := rows.Scan(&rec.DecisionID, &rec.Timestamp, &rec.DecisionType, &rec.Trigger,
			&station, &from, &to, &rec.Reasoning, &rec.Score, &rec.Baseline, &rec.Current,
			&contextStr, &execNS, &rec.Success, &rec.Error); err != nil {
			return nil, err
		}
		rec.Station = pkg.StationID(station)
		rec.FromAP = pkg.APID(from)
		rec.ToAP = pkg.APID(to)
		rec.ExecutionTime = time.Duration(execNS)
		if contextStr != "" {
			if err := json.Unmarshal([]byte(contextStr), &rec.Context); err != nil {
				s.logger.Warn("Skipping undecodable decision context", "decision_id", rec.DecisionID, "error", err)
			}
		}
		out = append([]*DecisionRecord{&rec}, out...)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
