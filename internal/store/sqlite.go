package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/chartsync/internal/types"
)

// SQLiteStore is the embedded database holding all syncable records and
// the persisted sync configuration. It is owned exclusively by this
// device's process; no other process writes it concurrently.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at dbPath,
// applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ExportAll reads every patient and note record, unmodified, into a fresh
// payload stamped with the current time and the calling device's tag.
func (s *SQLiteStore) ExportAll(ctx context.Context, deviceTag string) (*types.SyncPayload, error) {
	patients, err := s.allPatients(ctx)
	if err != nil {
		return nil, fmt.Errorf("export patients: %w", err)
	}
	notes, err := s.allNotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("export notes: %w", err)
	}

	return &types.SyncPayload{
		SchemaVersion: types.SchemaVersion,
		ExportedAt:    time.Now().UTC(),
		DeviceTag:     deviceTag,
		Patients:      patients,
		Notes:         notes,
	}, nil
}

// LatestLocalChange scans all patient and note records for their
// last-modified markers and returns the maximum. Returns nil on a fresh
// database where no record carries a usable timestamp.
func (s *SQLiteStore) LatestLocalChange(ctx context.Context) (*time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT updated_at FROM patients
		UNION ALL
		SELECT updated_at FROM notes
	`)
	if err != nil {
		return nil, fmt.Errorf("scan change timestamps: %w", err)
	}
	defer rows.Close()

	var latest *time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			// Records with unusable markers never drive a sync decision.
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return latest, nil
}

// ImportAll destructively replaces all local syncable records with the
// payload's records inside one transaction. Readers never observe notes
// without patients or vice versa. Records missing a last-modified marker
// are backfilled so LatestLocalChange stays well-defined.
func (s *SQLiteStore) ImportAll(ctx context.Context, payload *types.SyncPayload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Notes reference patients; clear them first.
	if _, err := tx.ExecContext(ctx, "DELETE FROM notes"); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM patients"); err != nil {
		return fmt.Errorf("clear patients: %w", err)
	}

	importedAt := time.Now().UTC()

	patientStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO patients (id, name, date_of_birth, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare patient insert: %w", err)
	}
	defer patientStmt.Close()

	for _, p := range payload.Patients {
		created, updated := backfillTimestamps(p.CreatedAt, p.UpdatedAt, importedAt)
		id := p.ID
		if id == "" {
			id = ulid.Make().String()
		}
		if _, err := patientStmt.ExecContext(ctx, id, p.Name, p.DateOfBirth, p.Summary,
			created.Format(time.RFC3339), updated.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("insert patient %s: %w", id, err)
		}
	}

	noteStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notes (id, patient_id, note_date, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare note insert: %w", err)
	}
	defer noteStmt.Close()

	for _, n := range payload.Notes {
		created, updated := backfillTimestamps(n.CreatedAt, n.UpdatedAt, importedAt)
		id := n.ID
		if id == "" {
			id = ulid.Make().String()
		}
		if _, err := noteStmt.ExecContext(ctx, id, n.PatientID, n.NoteDate, n.Body,
			created.Format(time.RFC3339), updated.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("insert note %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// backfillTimestamps resolves missing markers: an absent updated-at falls
// back to created-at, and an absent created-at to the import time.
func backfillTimestamps(created, updated, importedAt time.Time) (time.Time, time.Time) {
	if created.IsZero() {
		created = importedAt
	}
	if updated.IsZero() {
		updated = created
	}
	return created, updated
}

// CountRecords returns the number of patients and notes currently stored.
func (s *SQLiteStore) CountRecords(ctx context.Context) (patients, notes int64, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patients").Scan(&patients); err != nil {
		return 0, 0, fmt.Errorf("count patients: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notes").Scan(&notes); err != nil {
		return 0, 0, fmt.Errorf("count notes: %w", err)
	}
	return patients, notes, nil
}

// InsertPatient stores a patient record, generating an ID and timestamps
// when absent. Used by local data entry outside the sync core.
func (s *SQLiteStore) InsertPatient(ctx context.Context, p types.PatientRecord) (*types.PatientRecord, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, date_of_birth, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.DateOfBirth, p.Summary,
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return &p, nil
}

// InsertNote stores a note record, generating an ID and timestamps when
// absent.
func (s *SQLiteStore) InsertNote(ctx context.Context, n types.NoteRecord) (*types.NoteRecord, error) {
	now := time.Now().UTC()
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, patient_id, note_date, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.PatientID, n.NoteDate, n.Body,
		n.CreatedAt.Format(time.RFC3339), n.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return &n, nil
}

func (s *SQLiteStore) allPatients(ctx context.Context) ([]types.PatientRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, date_of_birth, summary, created_at, updated_at
		FROM patients
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []types.PatientRecord
	for rows.Next() {
		var p types.PatientRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.DateOfBirth, &p.Summary, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = parseTimestamps(createdAt, updatedAt)
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *SQLiteStore) allNotes(ctx context.Context) ([]types.NoteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, note_date, body, created_at, updated_at
		FROM notes
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []types.NoteRecord
	for rows.Next() {
		var n types.NoteRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.PatientID, &n.NoteDate, &n.Body, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt, n.UpdatedAt = parseTimestamps(createdAt, updatedAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func parseTimestamps(createdAt, updatedAt string) (time.Time, time.Time) {
	created, _ := time.Parse(time.RFC3339, createdAt)
	updated, _ := time.Parse(time.RFC3339, updatedAt)
	return created, updated
}
