// Package storage keeps the local launch journal: one row per execution
// started or followed from this machine.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/scriptrun/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("launch not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS launches (
		execution_id TEXT PRIMARY KEY,
		module_id TEXT NOT NULL,
		module_name TEXT,
		identity TEXT NOT NULL,
		params_masked TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		launched_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_launches_launched ON launches(launched_at);
	CREATE INDEX IF NOT EXISTS idx_launches_module ON launches(module_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateLaunch records a launch. Recording the same execution twice (for
// example following it again) keeps the first row.
func (s *Storage) CreateLaunch(l *models.Launch) error {
	var paramsJSON *string
	if l.Parameters != nil {
		data, err := json.Marshal(l.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		str := string(data)
		paramsJSON = &str
	}

	launchedAt := l.LaunchedAt
	if launchedAt.IsZero() {
		launchedAt = time.Now()
	}
	status := l.Status
	if status == "" {
		status = models.ExecStatusQueued
	}

	_, err := s.db.Exec(
		`INSERT INTO launches (execution_id, module_id, module_name, identity, params_masked, status, launched_at, finished_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO NOTHING`,
		l.ExecutionID.String(), l.ModuleID.String(), l.ModuleName, l.Identity, paramsJSON,
		string(status), launchedAt.UTC(), l.FinishedAt, l.Error,
	)
	return err
}

// UpdateLaunchStatus stores the last known status. A terminal status also
// stamps finished_at once.
func (s *Storage) UpdateLaunchStatus(id models.ID, status models.ExecStatus, errMsg string) error {
	var finished any
	if status.IsTerminal() {
		finished = time.Now().UTC()
	}

	result, err := s.db.Exec(
		`UPDATE launches
		 SET status = ?, error = ?, finished_at = COALESCE(finished_at, ?)
		 WHERE execution_id = ?`,
		string(status), errMsg, finished, id.String(),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const launchColumns = `execution_id, module_id, module_name, identity, params_masked, status, launched_at, finished_at, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanLaunch(row scanner) (*models.Launch, error) {
	var l models.Launch
	var execID, moduleID, status string
	var moduleName, params, errMsg sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&execID, &moduleID, &moduleName, &l.Identity, &params,
		&status, &l.LaunchedAt, &finishedAt, &errMsg)
	if err != nil {
		return nil, err
	}

	l.ExecutionID = models.ID(execID)
	l.ModuleID = models.ID(moduleID)
	l.Status = models.ExecStatus(status)
	if moduleName.Valid {
		l.ModuleName = moduleName.String
	}
	if errMsg.Valid {
		l.Error = errMsg.String
	}
	if finishedAt.Valid {
		l.FinishedAt = &finishedAt.Time
	}
	if params.Valid {
		var p map[string]any
		if err := json.Unmarshal([]byte(params.String), &p); err == nil {
			l.Parameters = p
		}
	}
	return &l, nil
}

func (s *Storage) GetLaunch(id models.ID) (*models.Launch, error) {
	row := s.db.QueryRow(`SELECT `+launchColumns+` FROM launches WHERE execution_id = ?`, id.String())
	l, err := scanLaunch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// ListLaunches returns the most recent launches first. A non-positive
// limit returns everything.
func (s *Storage) ListLaunches(limit int) ([]*models.Launch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+launchColumns+` FROM launches ORDER BY launched_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var launches []*models.Launch
	for rows.Next() {
		l, err := scanLaunch(rows)
		if err != nil {
			return nil, err
		}
		launches = append(launches, l)
	}

	return launches, rows.Err()
}

func (s *Storage) DeleteLaunch(id models.ID) error {
	result, err := s.db.Exec(`DELETE FROM launches WHERE execution_id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
