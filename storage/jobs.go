package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const jobColumns = `id, printer_id, printer_type, job_name, filename, status,
	started_at, ended_at, estimated_duration_s, actual_duration_s, progress,
	material_used_g, material_cost, power_cost, is_business, customer_info,
	notes, created_at, updated_at`

// Create inserts a job. A violation of the (printer_id, filename, started_at)
// dedup index maps to ErrDuplicate so restart-after-crash never double-inserts.
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job.ID == "" || job.PrinterID == "" || job.PrinterType == "" || job.JobName == "" {
		return fmt.Errorf("job id, printer_id, printer_type and job_name are required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	var customerInfo interface{}
	if len(job.CustomerInfo) > 0 {
		customerInfo = string(job.CustomerInfo)
	}
	_, err := s.exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.PrinterID, job.PrinterType, job.JobName, nullStr(job.Filename),
		job.Status, fmtTimePtr(job.StartedAt), fmtTimePtr(job.EndedAt),
		job.EstimatedS, job.ActualS, job.Progress,
		job.MaterialG, job.MaterialCost, job.PowerCost,
		boolInt(job.IsBusiness), customerInfo, job.Notes,
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var filename, customerInfo, startedAt, endedAt sql.NullString
	var estimated, actual sql.NullInt64
	var materialG, materialCost, powerCost sql.NullFloat64
	var isBusiness int
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.PrinterID, &j.PrinterType, &j.JobName, &filename,
		&j.Status, &startedAt, &endedAt, &estimated, &actual, &j.Progress,
		&materialG, &materialCost, &powerCost, &isBusiness, &customerInfo,
		&j.Notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Filename = filename.String
	j.StartedAt = parseTimePtr(startedAt)
	j.EndedAt = parseTimePtr(endedAt)
	if estimated.Valid {
		v := estimated.Int64
		j.EstimatedS = &v
	}
	if actual.Valid {
		v := actual.Int64
		j.ActualS = &v
	}
	if materialG.Valid {
		v := materialG.Float64
		j.MaterialG = &v
	}
	if materialCost.Valid {
		v := materialCost.Float64
		j.MaterialCost = &v
	}
	if powerCost.Valid {
		v := powerCost.Float64
		j.PowerCost = &v
	}
	j.IsBusiness = isBusiness != 0
	if customerInfo.Valid && customerInfo.String != "" {
		j.CustomerInfo = []byte(customerInfo.String)
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// Get retrieves a job by id. Returns ErrNotFound if absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func jobFilterClause(filter JobFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	if filter.PrinterID != "" {
		where = append(where, "printer_id = ?")
		args = append(args, filter.PrinterID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		where = append(where, "status IN ("+placeholders+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.IsBusiness != nil {
		where = append(where, "is_business = ?")
		args = append(args, boolInt(*filter.IsBusiness))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	return clause, args
}

// List returns jobs matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	clause, args := jobFilterClause(filter)
	query := `SELECT ` + jobColumns + ` FROM jobs` + clause + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Count returns the number of jobs matching the filter.
func (s *SQLiteStore) Count(ctx context.Context, filter JobFilter) (int, error) {
	clause, args := jobFilterClause(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&n)
	return n, err
}

// Update applies a partial patch. id, created_at, printer_id and printer_type
// are immutable and have no patch fields.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch JobPatch) error {
	var sets []string
	var args []interface{}

	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.JobName != nil {
		add("job_name", *patch.JobName)
	}
	if patch.Filename != nil {
		add("filename", nullStr(*patch.Filename))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.StartedAt != nil {
		add("started_at", fmtTime(*patch.StartedAt))
	}
	if patch.EndedAt != nil {
		add("ended_at", fmtTime(*patch.EndedAt))
	}
	if patch.EstimatedS != nil {
		add("estimated_duration_s", *patch.EstimatedS)
	}
	if patch.ActualS != nil {
		add("actual_duration_s", *patch.ActualS)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.MaterialG != nil {
		add("material_used_g", *patch.MaterialG)
	}
	if patch.MaterialCost != nil {
		add("material_cost", *patch.MaterialCost)
	}
	if patch.PowerCost != nil {
		add("power_cost", *patch.PowerCost)
	}
	if patch.IsBusiness != nil {
		add("is_business", boolInt(*patch.IsBusiness))
	}
	if patch.CustomerInfo != nil {
		add("customer_info", string(patch.CustomerInfo))
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", fmtTime(time.Now()))

	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByDateRange returns jobs created within [from, to].
func (s *SQLiteStore) GetByDateRange(ctx context.Context, from, to time.Time, filter JobFilter) ([]*Job, error) {
	clause, args := jobFilterClause(filter)
	if clause == "" {
		clause = " WHERE created_at >= ? AND created_at <= ?"
	} else {
		clause += " AND created_at >= ? AND created_at <= ?"
	}
	args = append(args, fmtTime(from), fmtTime(to))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+clause+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetStatistics aggregates job counts and totals.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (*JobStatistics, error) {
	var stats JobStatistics
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('pending','queued','preparing','running','printing','paused') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN actual_duration_s IS NOT NULL THEN actual_duration_s ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN material_used_g IS NOT NULL THEN material_used_g ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_business = 1 THEN 1 ELSE 0 END), 0)
		FROM jobs`).Scan(
		&stats.TotalJobs, &stats.CompletedJobs, &stats.FailedJobs,
		&stats.CancelledJobs, &stats.ActiveJobs, &stats.TotalPrintTimeS,
		&stats.TotalMaterialG, &stats.BusinessJobs)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
