package store

import (
	"context"
	"database/sql"
	"os"
	"time"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// HistoryEntry is one completed download.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	ISRC         string    `json:"isrc"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	Album        string    `json:"album"`
	Provider     string    `json:"provider"`
	FilePath     string    `json:"file_path"`
	BitDepth     int       `json:"bit_depth"`
	SampleRate   int       `json:"sample_rate"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// History records completed downloads and answers the by-ISRC
// "already downloaded" check.
type History struct {
	db *sql.DB
}

// NewHistory wraps an initialized database.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// FindByISRC returns the recorded path for an ISRC when the file still
// exists on disk. A recorded path whose file has since been deleted is
// treated as not found, so the track can be downloaded again.
func (h *History) FindByISRC(ctx context.Context, isrc string) (string, bool, error) {
	if isrc == "" {
		return "", false, nil
	}

	var path string
	err := h.db.QueryRowContext(ctx,
		"SELECT file_path FROM download_history WHERE isrc = ?", isrc).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.NewFileSystemError("history lookup failed", err)
	}

	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return "", false, nil
	}
	return path, true, nil
}

// Record stores a completed download, replacing any earlier record for
// the same ISRC.
func (h *History) Record(ctx context.Context, entry HistoryEntry) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO download_history (isrc, title, artist, album, provider, file_path, bit_depth, sample_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(isrc) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			album = excluded.album,
			provider = excluded.provider,
			file_path = excluded.file_path,
			bit_depth = excluded.bit_depth,
			sample_rate = excluded.sample_rate,
			downloaded_at = CURRENT_TIMESTAMP`,
		entry.ISRC, entry.Title, entry.Artist, entry.Album,
		entry.Provider, entry.FilePath, entry.BitDepth, entry.SampleRate)
	if err != nil {
		return apperrors.NewFileSystemError("failed to record download", err)
	}
	return nil
}

// Count returns the number of recorded downloads.
func (h *History) Count(ctx context.Context) (int, error) {
	var count int
	err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM download_history").Scan(&count)
	if err != nil {
		return 0, apperrors.NewFileSystemError("history count failed", err)
	}
	return count, nil
}

// Recent returns the most recent downloads, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, isrc, title, artist, album, provider, file_path, bit_depth, sample_rate, downloaded_at
		FROM download_history
		ORDER BY downloaded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.NewFileSystemError("history query failed", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.ISRC, &e.Title, &e.Artist, &e.Album,
			&e.Provider, &e.FilePath, &e.BitDepth, &e.SampleRate, &e.DownloadedAt); err != nil {
			return nil, apperrors.NewFileSystemError("history scan failed", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
