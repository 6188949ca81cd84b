package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const fileColumns = `f.checksum, f.filename, f.display_name, f.library_path,
	f.size_bytes, f.file_type, f.status, f.added_at, f.last_modified,
	f.last_analyzed, f.is_duplicate, f.duplicate_of_checksum, f.thumbnail,
	f.thumbnail_width, f.thumbnail_height, f.metadata, f.search_index`

// CreateFile inserts a library file. Returns ErrDuplicate when the checksum
// is already present.
func (s *SQLiteStore) CreateFile(ctx context.Context, file *LibraryFile) error {
	if file.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	if file.AddedAt.IsZero() {
		file.AddedAt = time.Now().UTC()
	}
	if file.Status == "" {
		file.Status = FileAvailable
	}
	var metadata interface{}
	if len(file.Metadata) > 0 {
		metadata = string(file.Metadata)
	}
	_, err := s.exec(ctx, `INSERT INTO library_files (checksum, filename,
		display_name, library_path, size_bytes, file_type, status, added_at,
		last_modified, last_analyzed, is_duplicate, duplicate_of_checksum,
		thumbnail, thumbnail_width, thumbnail_height, metadata, search_index)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		file.Checksum, file.Filename, file.DisplayName, file.LibraryPath,
		file.SizeBytes, file.FileType, file.Status, fmtTime(file.AddedAt),
		fmtTimePtr(file.LastModified), fmtTimePtr(file.LastAnalyzed),
		boolInt(file.IsDuplicate), nullStr(file.DuplicateOf),
		file.Thumbnail, file.ThumbnailWidth, file.ThumbnailHeight,
		metadata, file.SearchIndex)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanFile(row interface{ Scan(...interface{}) error }) (*LibraryFile, error) {
	var f LibraryFile
	var lastModified, lastAnalyzed, duplicateOf, metadata sql.NullString
	var isDuplicate int
	var addedAt string

	err := row.Scan(&f.Checksum, &f.Filename, &f.DisplayName, &f.LibraryPath,
		&f.SizeBytes, &f.FileType, &f.Status, &addedAt, &lastModified,
		&lastAnalyzed, &isDuplicate, &duplicateOf, &f.Thumbnail,
		&f.ThumbnailWidth, &f.ThumbnailHeight, &metadata, &f.SearchIndex)
	if err != nil {
		return nil, err
	}
	f.AddedAt = parseTime(addedAt)
	f.LastModified = parseTimePtr(lastModified)
	f.LastAnalyzed = parseTimePtr(lastAnalyzed)
	f.IsDuplicate = isDuplicate != 0
	f.DuplicateOf = duplicateOf.String
	if metadata.Valid && metadata.String != "" {
		f.Metadata = []byte(metadata.String)
	}
	return &f, nil
}

// GetFileByChecksum retrieves a file by its checksum.
func (s *SQLiteStore) GetFileByChecksum(ctx context.Context, checksum string) (*LibraryFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM library_files f WHERE f.checksum = ?`, checksum)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// UpdateFile applies a partial patch to a library file.
func (s *SQLiteStore) UpdateFile(ctx context.Context, checksum string, patch FilePatch) error {
	var sets []string
	var args []interface{}
	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.DisplayName != nil {
		add("display_name", *patch.DisplayName)
	}
	if patch.LibraryPath != nil {
		add("library_path", *patch.LibraryPath)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.LastModified != nil {
		add("last_modified", fmtTime(*patch.LastModified))
	}
	if patch.LastAnalyzed != nil {
		add("last_analyzed", fmtTime(*patch.LastAnalyzed))
	}
	if patch.IsDuplicate != nil {
		add("is_duplicate", boolInt(*patch.IsDuplicate))
	}
	if patch.DuplicateOf != nil {
		add("duplicate_of_checksum", nullStr(*patch.DuplicateOf))
	}
	if patch.Thumbnail != nil {
		add("thumbnail", patch.Thumbnail)
	}
	if patch.ThumbnailWidth != nil {
		add("thumbnail_width", *patch.ThumbnailWidth)
	}
	if patch.ThumbnailHeight != nil {
		add("thumbnail_height", *patch.ThumbnailHeight)
	}
	if patch.Metadata != nil {
		add("metadata", string(patch.Metadata))
	}
	if patch.SearchIndex != nil {
		add("search_index", *patch.SearchIndex)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, checksum)
	res, err := s.exec(ctx, `UPDATE library_files SET `+strings.Join(sets, ", ")+` WHERE checksum = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes a file row; source rows cascade.
func (s *SQLiteStore) DeleteFile(ctx context.Context, checksum string) error {
	res, err := s.exec(ctx, `DELETE FROM library_files WHERE checksum = ?`, checksum)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var fileSortColumns = map[string]string{
	"created_at":    "f.added_at",
	"filename":      "f.filename",
	"file_size":     "f.size_bytes",
	"last_modified": "f.last_modified",
}

// ListFiles returns one page of files matching the filter. Filters on
// manufacturer, printer model or source type JOIN through the source table
// with DISTINCT checksums to avoid fan-out.
func (s *SQLiteStore) ListFiles(ctx context.Context, filter FileFilter, page, limit int) ([]*LibraryFile, *Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	var where []string
	var args []interface{}
	joinSources := filter.SourceType != "" || filter.Manufacturer != "" || filter.PrinterModel != ""

	from := "library_files f"
	if joinSources {
		from += " JOIN library_file_sources src ON src.checksum = f.checksum"
	}
	if filter.SourceType != "" {
		where = append(where, "src.source_type = ?")
		args = append(args, filter.SourceType)
	}
	if filter.Manufacturer != "" {
		where = append(where, "src.manufacturer = ? COLLATE NOCASE")
		args = append(args, filter.Manufacturer)
	}
	if filter.PrinterModel != "" {
		where = append(where, "src.printer_model = ? COLLATE NOCASE")
		args = append(args, filter.PrinterModel)
	}
	if filter.FileType != "" {
		where = append(where, "f.file_type = ?")
		args = append(args, filter.FileType)
	}
	if filter.Status != "" {
		where = append(where, "f.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where = append(where, "f.search_index LIKE ? COLLATE NOCASE")
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.HasThumbnail != nil {
		if *filter.HasThumbnail {
			where = append(where, "f.thumbnail IS NOT NULL")
		} else {
			where = append(where, "f.thumbnail IS NULL")
		}
	}
	if filter.HasMetadata != nil {
		if *filter.HasMetadata {
			where = append(where, "f.metadata IS NOT NULL")
		} else {
			where = append(where, "f.metadata IS NULL")
		}
	}
	if filter.OnlyDuplicates {
		where = append(where, "f.is_duplicate = 1")
	} else if !filter.ShowDuplicates {
		where = append(where, "f.is_duplicate = 0")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	sortCol, ok := fileSortColumns[filter.SortBy]
	dir := "DESC"
	if ok && !filter.SortDesc {
		dir = "ASC"
	}
	if !ok {
		// Unknown sort key falls back to newest first.
		sortCol = "f.added_at"
		dir = "DESC"
	}

	countExpr := "COUNT(*)"
	selectExpr := fileColumns
	if joinSources {
		countExpr = "COUNT(DISTINCT f.checksum)"
		selectExpr = "DISTINCT " + fileColumns
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT `+countExpr+` FROM `+from+clause, args...).Scan(&total); err != nil {
		return nil, nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		selectExpr, from, clause, sortCol, dir, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var files []*LibraryFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	totalPages := (total + limit - 1) / limit
	return files, &Pagination{Page: page, Limit: limit, TotalItems: total, TotalPages: totalPages}, nil
}

// CreateFileSource upserts a source observation. Re-inserting an identical
// tuple is a no-op.
func (s *SQLiteStore) CreateFileSource(ctx context.Context, src *LibraryFileSource) error {
	if src.DiscoveredAt.IsZero() {
		src.DiscoveredAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO library_file_sources (checksum,
		source_type, source_id, source_name, original_path, manufacturer,
		printer_model, discovered_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(checksum, source_type, source_id, original_path) DO NOTHING`,
		src.Checksum, src.SourceType, src.SourceID, src.SourceName,
		src.OriginalPath, src.Manufacturer, src.PrinterModel,
		fmtTime(src.DiscoveredAt))
	return err
}

// HasFileSource reports whether any source row exists for the given location,
// regardless of checksum.
func (s *SQLiteStore) HasFileSource(ctx context.Context, sourceType, sourceID, originalPath string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM library_file_sources
		WHERE source_type = ? AND source_id = ? AND original_path = ?`,
		sourceType, sourceID, originalPath).Scan(&n)
	return n > 0, err
}

// ListFileSources returns all sources for a checksum, oldest first.
func (s *SQLiteStore) ListFileSources(ctx context.Context, checksum string) ([]*LibraryFileSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT checksum, source_type,
		source_id, source_name, original_path, manufacturer, printer_model,
		discovered_at FROM library_file_sources WHERE checksum = ?
		ORDER BY discovered_at ASC`, checksum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*LibraryFileSource
	for rows.Next() {
		var src LibraryFileSource
		var discoveredAt string
		if err := rows.Scan(&src.Checksum, &src.SourceType, &src.SourceID,
			&src.SourceName, &src.OriginalPath, &src.Manufacturer,
			&src.PrinterModel, &discoveredAt); err != nil {
			return nil, err
		}
		src.DiscoveredAt = parseTime(discoveredAt)
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// DeleteFileSource removes one source row; the file itself stays.
func (s *SQLiteStore) DeleteFileSource(ctx context.Context, src *LibraryFileSource) error {
	res, err := s.exec(ctx, `DELETE FROM library_file_sources
		WHERE checksum = ? AND source_type = ? AND source_id = ? AND original_path = ?`,
		src.Checksum, src.SourceType, src.SourceID, src.OriginalPath)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFileSources removes all source rows for a checksum.
func (s *SQLiteStore) DeleteFileSources(ctx context.Context, checksum string) error {
	_, err := s.exec(ctx, `DELETE FROM library_file_sources WHERE checksum = ?`, checksum)
	return err
}

// GetStats aggregates across the library.
func (s *SQLiteStore) GetStats(ctx context.Context) (*LibraryStats, error) {
	var stats LibraryStats
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(size_bytes), 0),
		COALESCE(SUM(CASE WHEN status = 'available' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_duplicate = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN thumbnail IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM library_files`).Scan(&stats.TotalFiles, &stats.TotalBytes,
		&stats.AvailableFiles, &stats.DuplicateFiles, &stats.WithThumbnail)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM library_file_sources`).Scan(&stats.SourceCount)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
