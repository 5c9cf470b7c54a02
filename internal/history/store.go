package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"voice-transcriber/internal/domain"
)

// ErrNotFound is returned when a transcription record does not exist or
// belongs to another owner.
var ErrNotFound = errors.New("transcription not found")

// Record is one persisted transcript, stored once a job completes.
type Record struct {
	ID            int64                    `json:"id"`
	OwnerID       string                   `json:"ownerId"`
	Filename      string                   `json:"filename"`
	FileSize      int64                    `json:"fileSize"`
	Language      string                   `json:"language"`
	Transcription string                   `json:"transcription"`
	Summary       string                   `json:"summary,omitempty"`
	Details       domain.ProcessingDetails `json:"processingDetails"`
	CreatedAt     time.Time                `json:"createdAt"`
}

// Store manages transcript persistence backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    file_size INTEGER NOT NULL DEFAULT 0,
    language TEXT NOT NULL DEFAULT '',
    transcription TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_owner ON transcriptions (owner_id, created_at DESC);
`

// Open initializes or connects to the history database and bootstraps the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts one finished transcript and returns its identifier.
func (s *Store) Save(ctx context.Context, rec Record) (int64, error) {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return 0, fmt.Errorf("encode details: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transcriptions (
            owner_id, filename, file_size, language, transcription, summary, details, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OwnerID,
		rec.Filename,
		rec.FileSize,
		rec.Language,
		rec.Transcription,
		rec.Summary,
		string(details),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transcription: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read insert id: %w", err)
	}
	return id, nil
}

// ListByOwner returns an owner's transcripts, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, owner_id, filename, file_size, language, transcription, summary, details, created_at
         FROM transcriptions WHERE owner_id = ?
         ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcriptions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns one transcript, enforcing ownership.
func (s *Store) Get(ctx context.Context, id int64, ownerID string) (Record, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, owner_id, filename, file_size, language, transcription, summary, details, created_at
         FROM transcriptions WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Delete removes one transcript, enforcing ownership. Returns ErrNotFound
// when nothing matched.
func (s *Store) Delete(ctx context.Context, id int64, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcriptions WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete transcription: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes one transcription row.
func scanRecord(row scanner) (Record, error) {
	var rec Record
	var details, createdAt string
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Filename,
		&rec.FileSize,
		&rec.Language,
		&rec.Transcription,
		&rec.Summary,
		&details,
		&createdAt,
	); err != nil {
		return Record{}, err
	}

	if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
		return Record{}, fmt.Errorf("decode details: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("decode created_at: %w", err)
	}
	rec.CreatedAt = parsed
	return rec, nil
}
