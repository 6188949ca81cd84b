package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const printerColumns = `id, name, type, host, port, api_key, access_code,
	serial, is_active, last_status, last_seen_at, created_at, updated_at`

// CreatePrinter inserts a printer record.
func (s *SQLiteStore) CreatePrinter(ctx context.Context, p *Printer) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.exec(ctx, `INSERT INTO printers (`+printerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Type, p.Host, p.Port, p.APIKey, p.AccessCode,
		p.Serial, boolInt(p.IsActive), p.LastStatus,
		fmtTimePtr(p.LastSeenAt), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanPrinter(row interface{ Scan(...interface{}) error }) (*Printer, error) {
	var p Printer
	var isActive int
	var lastSeen sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Host, &p.Port, &p.APIKey,
		&p.AccessCode, &p.Serial, &isActive, &p.LastStatus, &lastSeen,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.IsActive = isActive != 0
	p.LastSeenAt = parseTimePtr(lastSeen)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetPrinter retrieves a printer by id.
func (s *SQLiteStore) GetPrinter(ctx context.Context, id string) (*Printer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+printerColumns+` FROM printers WHERE id = ?`, id)
	p, err := scanPrinter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPrinters returns printers, optionally only active ones.
func (s *SQLiteStore) ListPrinters(ctx context.Context, activeOnly bool) ([]*Printer, error) {
	query := `SELECT ` + printerColumns + ` FROM printers`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdatePrinter applies a partial patch to a printer's configuration.
func (s *SQLiteStore) UpdatePrinter(ctx context.Context, id string, patch PrinterPatch) error {
	var sets []string
	var args []interface{}
	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Host != nil {
		add("host", *patch.Host)
	}
	if patch.Port != nil {
		add("port", *patch.Port)
	}
	if patch.APIKey != nil {
		add("api_key", *patch.APIKey)
	}
	if patch.AccessCode != nil {
		add("access_code", *patch.AccessCode)
	}
	if patch.Serial != nil {
		add("serial", *patch.Serial)
	}
	if patch.IsActive != nil {
		add("is_active", boolInt(*patch.IsActive))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", fmtTime(time.Now()))
	args = append(args, id)

	res, err := s.exec(ctx, `UPDATE printers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePrinterStatus writes back the observed phase and last-seen time.
func (s *SQLiteStore) UpdatePrinterStatus(ctx context.Context, id string, phase string, lastSeen time.Time) error {
	res, err := s.exec(ctx, `UPDATE printers SET last_status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		phase, fmtTime(lastSeen), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePrinter removes a printer record.
func (s *SQLiteStore) DeletePrinter(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM printers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PrinterExists reports whether a printer id is present.
func (s *SQLiteStore) PrinterExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM printers WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// printerRepo adapts SQLiteStore to the PrinterRepository interface; the
// store uses prefixed method names to avoid clashing with JobRepository.
type printerRepo struct{ *SQLiteStore }

func (r printerRepo) Create(ctx context.Context, p *Printer) error { return r.CreatePrinter(ctx, p) }
func (r printerRepo) Get(ctx context.Context, id string) (*Printer, error) {
	return r.GetPrinter(ctx, id)
}
func (r printerRepo) List(ctx context.Context, activeOnly bool) ([]*Printer, error) {
	return r.ListPrinters(ctx, activeOnly)
}
func (r printerRepo) Update(ctx context.Context, id string, patch PrinterPatch) error {
	return r.UpdatePrinter(ctx, id, patch)
}
func (r printerRepo) UpdateStatus(ctx context.Context, id string, phase string, lastSeen time.Time) error {
	return r.UpdatePrinterStatus(ctx, id, phase, lastSeen)
}
func (r printerRepo) Delete(ctx context.Context, id string) error { return r.DeletePrinter(ctx, id) }
func (r printerRepo) Exists(ctx context.Context, id string) (bool, error) {
	return r.PrinterExists(ctx, id)
}

// Printers returns the store's PrinterRepository view.
func (s *SQLiteStore) Printers() PrinterRepository { return printerRepo{s} }

// Jobs returns the store's JobRepository view.
func (s *SQLiteStore) Jobs() JobRepository { return s }

// Library returns the store's LibraryRepository view.
func (s *SQLiteStore) Library() LibraryRepository { return s }

// Notifications returns the store's NotificationRepository view.
func (s *SQLiteStore) Notifications() NotificationRepository { return s }

// Usage returns the store's UsageStatisticsRepository view.
func (s *SQLiteStore) Usage() UsageStatisticsRepository { return s }

// Snapshots returns the store's SnapshotRepository view.
func (s *SQLiteStore) Snapshots() SnapshotRepository { return snapshotRepo{s} }
