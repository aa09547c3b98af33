package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested acquisition does not exist.
var ErrNotFound = errors.New("acquisition not found")

// timeFormat is how timestamps are stored in sqlite TEXT columns.
const timeFormat = time.RFC3339Nano

// Acquisition is one row of the acquisitions table.
type Acquisition struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	SPCPath          string     `json:"spc_path,omitempty"`
	SDTPath          string     `json:"sdt_path,omitempty"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	Channels         int        `json:"channels"`
	Frames           int64      `json:"frames"`
	Photons          int64      `json:"photons"`
	DiscardedPhotons int64      `json:"discarded_photons"`
	ErrorCount       int64      `json:"error_count"`
	Notes            string     `json:"notes,omitempty"`
}

// AcquisitionError is one advisory error recorded during an acquisition.
type AcquisitionError struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertAcquisition records a newly started acquisition.
func (db *DB) InsertAcquisition(a *Acquisition) error {
	_, err := db.Exec(
		`INSERT INTO acquisitions (
			id, started_at, spc_path, sdt_path, width, height, channels, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StartedAt.UTC().Format(timeFormat),
		a.SPCPath, a.SDTPath, a.Width, a.Height, a.Channels, a.Notes,
	)
	if err != nil {
		return fmt.Errorf("inserting acquisition %s: %w", a.ID, err)
	}
	return nil
}

// FinishAcquisition updates the row with final counts and the finish time.
func (db *DB) FinishAcquisition(a *Acquisition) error {
	if a.FinishedAt == nil {
		return fmt.Errorf("acquisition %s has no finish time", a.ID)
	}
	res, err := db.Exec(
		`UPDATE acquisitions SET
			finished_at = ?, spc_path = ?, sdt_path = ?, channels = ?,
			frames = ?, photons = ?, discarded_photons = ?, error_count = ?
		WHERE id = ?`,
		a.FinishedAt.UTC().Format(timeFormat), a.SPCPath, a.SDTPath, a.Channels,
		a.Frames, a.Photons, a.DiscardedPhotons, a.ErrorCount, a.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing acquisition %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finishing acquisition %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// RecordErrors stores the advisory errors collected during an acquisition.
func (db *DB) RecordErrors(acquisitionID string, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	for _, msg := range messages {
		if _, err := tx.Exec(
			`INSERT INTO acquisition_errors (acquisition_id, message, created_at)
			 VALUES (?, ?, ?)`,
			acquisitionID, msg, now,
		); err != nil {
			return fmt.Errorf("recording error for acquisition %s: %w", acquisitionID, err)
		}
	}
	return tx.Commit()
}

const acquisitionColumns = `id, started_at, finished_at, spc_path, sdt_path,
	width, height, channels, frames, photons, discarded_photons, error_count, notes`

// GetAcquisition returns one acquisition by id.
func (db *DB) GetAcquisition(id string) (*Acquisition, error) {
	row := db.QueryRow(
		`SELECT `+acquisitionColumns+` FROM acquisitions WHERE id = ?`, id)
	a, err := scanAcquisition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAcquisitions returns acquisitions newest first, up to limit rows
// (all rows when limit <= 0).
func (db *DB) ListAcquisitions(limit int) ([]*Acquisition, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := db.Query(
		`SELECT `+acquisitionColumns+` FROM acquisitions
		 ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Acquisition
	for rows.Next() {
		a, err := scanAcquisition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcquisitionErrors returns the recorded errors for an acquisition in
// insertion order.
func (db *DB) AcquisitionErrors(acquisitionID string) ([]AcquisitionError, error) {
	rows, err := db.Query(
		`SELECT message, created_at FROM acquisition_errors
		 WHERE acquisition_id = ? ORDER BY error_id`, acquisitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AcquisitionError
	for rows.Next() {
		var e AcquisitionError
		var created string
		if err := rows.Scan(&e.Message, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("parsing error timestamp %q: %w", created, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAcquisition(row rowScanner) (*Acquisition, error) {
	var a Acquisition
	var started string
	var finished sql.NullString
	err := row.Scan(&a.ID, &started, &finished, &a.SPCPath, &a.SDTPath,
		&a.Width, &a.Height, &a.Channels, &a.Frames, &a.Photons,
		&a.DiscardedPhotons, &a.ErrorCount, &a.Notes)
	if err != nil {
		return nil, err
	}
	if a.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return nil, fmt.Errorf("parsing started_at %q: %w", started, err)
	}
	if finished.Valid {
		t, err := time.Parse(timeFormat, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at %q: %w", finished.String, err)
		}
		a.FinishedAt = &t
	}
	return &a, nil
}
