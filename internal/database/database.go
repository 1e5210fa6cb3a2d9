package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"visionrelay/internal/pipeline"
)

// KeyAnalysis stores runtime analysis overrides as JSON
const KeyAnalysis = "analysis"

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// LatestResultRecord is the single persisted VisionResult snapshot
type LatestResultRecord struct {
	ResultID    string
	Backend     string
	Description string
	Result      *pipeline.VisionResult
	UpdatedAt   time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS latest_result (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			result_id TEXT NOT NULL,
			backend TEXT NOT NULL,
			description TEXT,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed")
	return nil
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := d.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value ("" when unset)
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// DeleteConfig deletes a configuration value
func (d *Database) DeleteConfig(key string) error {
	if _, err := d.db.Exec("DELETE FROM app_config WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	return nil
}

// SaveAnalysisOverrides persists runtime analysis overrides
func (d *Database) SaveAnalysisOverrides(o *pipeline.AnalysisOverrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis overrides: %w", err)
	}
	return d.SaveConfig(KeyAnalysis, string(data))
}

// LoadAnalysisOverrides returns the stored overrides, or nil when none are stored
func (d *Database) LoadAnalysisOverrides() (*pipeline.AnalysisOverrides, error) {
	value, err := d.GetConfig(KeyAnalysis)
	if err != nil || value == "" {
		return nil, err
	}

	var o pipeline.AnalysisOverrides
	if err := json.Unmarshal([]byte(value), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis overrides: %w", err)
	}
	return &o, nil
}

// SaveLatestResult replaces the persisted result snapshot
func (d *Database) SaveLatestResult(result *pipeline.VisionResult) error {
	if result == nil {
		return nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `INSERT INTO latest_result (id, result_id, backend, description, payload, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			result_id = excluded.result_id,
			backend = excluded.backend,
			description = excluded.description,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	_, err = d.db.Exec(query, result.ID, string(result.Backend), result.Description, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save latest result: %w", err)
	}
	return nil
}

// GetLatestResult returns the persisted snapshot, or nil when none exists
func (d *Database) GetLatestResult() (*LatestResultRecord, error) {
	query := `SELECT result_id, backend, description, payload, updated_at FROM latest_result WHERE id = 1`

	var (
		rec         LatestResultRecord
		description sql.NullString
		payload     string
	)
	err := d.db.QueryRow(query).Scan(&rec.ResultID, &rec.Backend, &description, &payload, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest result: %w", err)
	}
	rec.Description = description.String

	rec.Result = &pipeline.VisionResult{}
	if err := json.Unmarshal([]byte(payload), rec.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest result: %w", err)
	}
	return &rec, nil
}

// Name implements pipeline.ResultSink
func (d *Database) Name() string {
	return "database"
}

// PublishResult implements pipeline.ResultSink
func (d *Database) PublishResult(result *pipeline.VisionResult) error {
	return d.SaveLatestResult(result)
}

var _ pipeline.ResultSink = (*Database)(nil)

// LatestResult returns only the persisted VisionResult, or nil
func (d *Database) LatestResult() (*pipeline.VisionResult, error) {
	rec, err := d.GetLatestResult()
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Result, nil
}
