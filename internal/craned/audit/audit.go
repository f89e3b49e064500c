// Package audit implements the optional terminal-status audit log: every
// TaskStatusChange the Job Manager emits upstream is also, best-effort and
// asynchronously, appended to a local job_status_log table. This is
// forensic event history, not detailed resource-usage accounting.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

// Log writes TaskStatusChange events to a MySQL table, off the caller's
// goroutine.
type Log struct {
	db *sql.DB
}

// Open connects to dsn and ensures the job_status_log table exists.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS job_status_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		job_id BIGINT UNSIGNED NOT NULL,
		status VARCHAR(32) NOT NULL,
		exit_code INT NOT NULL,
		reason TEXT,
		recorded_at DATETIME NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create job_status_log: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Emit implements jobmanager.StatusSink: it fires the insert asynchronously
// and never blocks or surfaces an error to the caller.
func (l *Log) Emit(change model.TaskStatusChange) {
	go l.insert(change)
}

func (l *Log) insert(change model.TaskStatusChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO job_status_log (job_id, status, exit_code, reason, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		uint32(change.JobId), change.Status.String(), change.ExitCode, change.Reason, time.Now())
	if err != nil {
		logging.Warn(ctx, "audit: insert job_status_log failed", jobField(change.JobId))
	}
}
