// Package store is the sqlite persistence layer: ASP master data,
// credentials, extracted revenue records and execution logs. Record saves
// are idempotent by construction (delete then insert per natural key inside
// one transaction), so rerunning a scrape never duplicates rows.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rere-dev/aspagent/internal/date"
	"github.com/rere-dev/aspagent/internal/types"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned for lookups with no matching row.
var ErrNotFound = errors.New("not found")

// ASP is one affiliate service provider row.
type ASP struct {
	ID           string
	Name         string
	LoginURL     string
	ScenarioText string
}

// Credential names the secret keys holding an ASP's login credentials. The
// secrets themselves never enter the database.
type Credential struct {
	UsernameKey string
	PasswordKey string
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent saves
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to apply schema: %w", types.ErrPersistence, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertASP inserts or updates an ASP by name and returns its id.
func (s *Store) UpsertASP(ctx context.Context, name, loginURL, scenarioText string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM asps WHERE name = ?`, name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO asps (id, name, login_url, scenario_text) VALUES (?, ?, ?, ?)`,
			id, name, loginURL, scenarioText)
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE asps SET login_url = ?, scenario_text = ? WHERE id = ?`,
			loginURL, scenarioText, id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return id, nil
}

// ASPByName looks an ASP up by its exact name.
func (s *Store) ASPByName(ctx context.Context, name string) (*ASP, error) {
	var a ASP
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, login_url, scenario_text FROM asps WHERE name = ?`, name).
		Scan(&a.ID, &a.Name, &a.LoginURL, &a.ScenarioText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asp %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return &a, nil
}

// ListASPs returns all ASPs ordered by name.
func (s *Store) ListASPs(ctx context.Context) ([]ASP, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, login_url, scenario_text FROM asps ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	defer rows.Close()
	var asps []ASP
	for rows.Next() {
		var a ASP
		if err := rows.Scan(&a.ID, &a.Name, &a.LoginURL, &a.ScenarioText); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
		}
		asps = append(asps, a)
	}
	return asps, rows.Err()
}

// ScenarioText returns the stored free-text scenario for an ASP. Satisfies
// the scenario package's fallback source.
func (s *Store) ScenarioText(ctx context.Context, aspID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT scenario_text FROM asps WHERE id = ?`, aspID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return text, nil
}

// SetCredential stores the secret key names for an ASP's login.
func (s *Store) SetCredential(ctx context.Context, aspID string, c Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asp_credentials (asp_id, username_key, password_key) VALUES (?, ?, ?)
		ON CONFLICT(asp_id) DO UPDATE SET username_key = excluded.username_key, password_key = excluded.password_key`,
		aspID, c.UsernameKey, c.PasswordKey)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return nil
}

// Credential returns the secret key names for an ASP, or ErrNotFound.
func (s *Store) Credential(ctx context.Context, aspID string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT username_key, password_key FROM asp_credentials WHERE asp_id = ?`, aspID).
		Scan(&c.UsernameKey, &c.PasswordKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return &c, nil
}

// EnsureDefaultMetadata returns the ids of the fallback media and account
// item rows, creating them when missing. Used when an ASP has no explicit
// mapping so extracted records still land somewhere queryable.
func (s *Store) EnsureDefaultMetadata(ctx context.Context) (mediaID, accountItemID string, err error) {
	mediaID, err = s.ensureNamed(ctx, "media", "未設定")
	if err != nil {
		return "", "", err
	}
	accountItemID, err = s.ensureNamed(ctx, "account_items", "アフィリエイト収益")
	if err != nil {
		return "", "", err
	}
	return mediaID, accountItemID, nil
}

func (s *Store) ensureNamed(ctx context.Context, table, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, table), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid.NewString()
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, name) VALUES (?, ?)`, table), id, name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return id, nil
}

// SaveRecords persists extracted records for one run. Existing rows with
// the same (date, media, account item, asp) key are replaced, all inside a
// single transaction, so the operation is idempotent. Returns the number of
// rows written.
func (s *Store) SaveRecords(ctx context.Context, rc types.RunContext, records []types.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	table := "daily_actuals"
	if rc.ExecutionType == types.TargetMonthly {
		table = "actuals"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	defer tx.Rollback()

	del, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE date = ? AND media_id = ? AND account_item_id = ? AND asp_id = ?`, table))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	defer del.Close()
	ins, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (date, media_id, account_item_id, asp_id, amount) VALUES (?, ?, ?, ?, ?)`, table))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	defer ins.Close()

	saved := 0
	for _, r := range records {
		d := r.Date.Format(date.Canonical)
		if _, err := del.ExecContext(ctx, d, rc.MediaID, rc.AccountItemID, rc.ASPID); err != nil {
			return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
		}
		if _, err := ins.ExecContext(ctx, d, rc.MediaID, rc.AccountItemID, rc.ASPID, r.Amount); err != nil {
			return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return saved, nil
}

// Amounts returns date -> amount for an ASP, for reports and tests.
func (s *Store) Amounts(ctx context.Context, aspID string, target types.TargetTable) (map[string]int64, error) {
	table := "daily_actuals"
	if target == types.TargetMonthly {
		table = "actuals"
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT date, amount FROM %s WHERE asp_id = ? ORDER BY date`, table), aspID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var d string
		var amount int64
		if err := rows.Scan(&d, &amount); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
		}
		out[d] = amount
	}
	return out, rows.Err()
}

// ExecutionLog is one run's audit row.
type ExecutionLog struct {
	ID            string
	ASPID         string
	ASPName       string
	ExecutionType types.TargetTable
	Status        types.RunStatus
	ErrorType     string
	ErrorMessage  string
	RecordsSaved  int
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// StartExecution opens an execution log row in running state.
func (s *Store) StartExecution(ctx context.Context, rc types.RunContext) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, asp_id, asp_name, execution_type, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, rc.ASPID, rc.ASPName, string(rc.ExecutionType), string(types.RunStatusRunning),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return id, nil
}

// FinishExecution closes an execution log row with its terminal status.
func (s *Store) FinishExecution(ctx context.Context, id string, status types.RunStatus, errorType, errorMessage string, recordsSaved int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET status = ?, error_type = ?, error_message = ?, records_saved = ?, finished_at = ?
		WHERE id = ?`,
		string(status), errorType, errorMessage, recordsSaved,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return nil
}

// ExecutionLogs returns the most recent runs, newest first.
func (s *Store) ExecutionLogs(ctx context.Context, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asp_id, asp_name, execution_type, status, error_type, error_message, records_saved, started_at, finished_at
		FROM execution_logs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	defer rows.Close()
	var logs []ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var execType, status, started string
		var finished sql.NullString
		if err := rows.Scan(&l.ID, &l.ASPID, &l.ASPName, &execType, &status,
			&l.ErrorType, &l.ErrorMessage, &l.RecordsSaved, &started, &finished); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
		}
		l.ExecutionType = types.TargetTable(execType)
		l.Status = types.RunStatus(status)
		l.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished.Valid {
			t, err := time.Parse(time.RFC3339, finished.String)
			if err == nil {
				l.FinishedAt = &t
			}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
