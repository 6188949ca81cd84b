package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type snapshotRepo struct{ *SQLiteStore }

func (r snapshotRepo) Create(ctx context.Context, snap *Snapshot) error {
	return r.CreateSnapshot(ctx, snap)
}
func (r snapshotRepo) Get(ctx context.Context, id string) (*SnapshotContext, error) {
	return r.GetSnapshot(ctx, id)
}
func (r snapshotRepo) List(ctx context.Context, printerID, jobID string, page, limit int) ([]*Snapshot, *Pagination, error) {
	return r.ListSnapshots(ctx, printerID, jobID, page, limit)
}
func (r snapshotRepo) Delete(ctx context.Context, id string) error {
	return r.DeleteSnapshot(ctx, id)
}
func (r snapshotRepo) UpdateValidation(ctx context.Context, id string, valid bool, validationErr string) error {
	return r.UpdateSnapshotValidation(ctx, id, valid, validationErr)
}

// CreateSnapshot inserts snapshot metadata.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	var isValid interface{}
	if snap.IsValid != nil {
		isValid = boolInt(*snap.IsValid)
	}
	_, err := s.exec(ctx, `INSERT INTO snapshots
		(id, printer_id, job_id, filename, size_bytes, captured_at, is_valid, validation_error)
		VALUES (?,?,?,?,?,?,?,?)`,
		snap.ID, snap.PrinterID, snap.JobID, snap.Filename, snap.SizeBytes,
		fmtTime(snap.CapturedAt), isValid, snap.ValidationError)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetSnapshot retrieves a snapshot joined with its printer and job labels.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*SnapshotContext, error) {
	var sc SnapshotContext
	var isValid sql.NullInt64
	var capturedAt string
	var printerName, jobName sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT s.id, s.printer_id, s.job_id,
		s.filename, s.size_bytes, s.captured_at, s.is_valid, s.validation_error,
		p.name, j.job_name
		FROM snapshots s
		LEFT JOIN printers p ON p.id = s.printer_id
		LEFT JOIN jobs j ON j.id = s.job_id
		WHERE s.id = ?`, id).Scan(
		&sc.ID, &sc.PrinterID, &sc.JobID, &sc.Filename, &sc.SizeBytes,
		&capturedAt, &isValid, &sc.ValidationError, &printerName, &jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.CapturedAt = parseTime(capturedAt)
	if isValid.Valid {
		v := isValid.Int64 != 0
		sc.IsValid = &v
	}
	sc.PrinterName = printerName.String
	sc.JobName = jobName.String
	return &sc, nil
}

// ListSnapshots returns one page of snapshots, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, printerID, jobID string, page, limit int) ([]*Snapshot, *Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	query := `FROM snapshots WHERE 1=1`
	var args []interface{}
	if printerID != "" {
		query += ` AND printer_id = ?`
		args = append(args, printerID)
	}
	if jobID != "" {
		query += ` AND job_id = ?`
		args = append(args, jobID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+query, args...).Scan(&total); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, printer_id,
		job_id, filename, size_bytes, captured_at, is_valid, validation_error
		%s ORDER BY captured_at DESC LIMIT %d OFFSET %d`, query, limit, (page-1)*limit), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var isValid sql.NullInt64
		var capturedAt string
		if err := rows.Scan(&snap.ID, &snap.PrinterID, &snap.JobID,
			&snap.Filename, &snap.SizeBytes, &capturedAt, &isValid,
			&snap.ValidationError); err != nil {
			return nil, nil, err
		}
		snap.CapturedAt = parseTime(capturedAt)
		if isValid.Valid {
			v := isValid.Int64 != 0
			snap.IsValid = &v
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	totalPages := (total + limit - 1) / limit
	return snaps, &Pagination{Page: page, Limit: limit, TotalItems: total, TotalPages: totalPages}, nil
}

// DeleteSnapshot removes snapshot metadata.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSnapshotValidation records the outcome of snapshot validation.
func (s *SQLiteStore) UpdateSnapshotValidation(ctx context.Context, id string, valid bool, validationErr string) error {
	res, err := s.exec(ctx, `UPDATE snapshots SET is_valid = ?, validation_error = ? WHERE id = ?`,
		boolInt(valid), validationErr, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
