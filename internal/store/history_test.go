package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func newTestHistory(t *testing.T) (*History, *sql.DB) {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHistory(db), db
}

func writeTestAudioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.flac")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHistoryRecordAndFind(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()
	path := writeTestAudioFile(t)

	entry := HistoryEntry{
		ISRC:       "USRC17607839",
		Title:      "Shape of You",
		Artist:     "Ed Sheeran",
		Album:      "Divide",
		Provider:   "tidal",
		FilePath:   path,
		BitDepth:   16,
		SampleRate: 44100,
	}
	if err := h.Record(ctx, entry); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	found, ok, err := h.FindByISRC(ctx, "USRC17607839")
	if err != nil {
		t.Fatalf("FindByISRC() error = %v", err)
	}
	if !ok {
		t.Fatal("recorded download should be found")
	}
	if found != path {
		t.Errorf("path = %q, want %q", found, path)
	}
}

func TestHistoryFindMissingISRC(t *testing.T) {
	h, _ := newTestHistory(t)

	_, ok, err := h.FindByISRC(context.Background(), "XXNOPE000000")
	if err != nil {
		t.Fatalf("FindByISRC() error = %v", err)
	}
	if ok {
		t.Error("unknown ISRC should not be found")
	}
}

func TestHistoryFindEmptyISRC(t *testing.T) {
	h, _ := newTestHistory(t)

	_, ok, err := h.FindByISRC(context.Background(), "")
	if err != nil || ok {
		t.Errorf("FindByISRC(\"\") = %v, %v; want not found, nil", ok, err)
	}
}

func TestHistoryDeletedFileIsNotFound(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()
	path := writeTestAudioFile(t)

	entry := HistoryEntry{ISRC: "USRC17607839", Title: "Shape of You", Provider: "tidal", FilePath: path}
	if err := h.Record(ctx, entry); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	os.Remove(path)

	_, ok, err := h.FindByISRC(ctx, "USRC17607839")
	if err != nil {
		t.Fatalf("FindByISRC() error = %v", err)
	}
	if ok {
		t.Error("a record whose file is gone should not block re-downloading")
	}
}

func TestHistoryRecordReplacesSameISRC(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()
	oldPath := writeTestAudioFile(t)
	newPath := writeTestAudioFile(t)

	if err := h.Record(ctx, HistoryEntry{ISRC: "USRC17607839", Title: "Shape of You", Provider: "tidal", FilePath: oldPath}); err != nil {
		t.Fatal(err)
	}
	if err := h.Record(ctx, HistoryEntry{ISRC: "USRC17607839", Title: "Shape of You", Provider: "qobuz", FilePath: newPath, BitDepth: 24}); err != nil {
		t.Fatal(err)
	}

	count, err := h.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1 after re-recording the same ISRC", count)
	}

	found, ok, err := h.FindByISRC(ctx, "USRC17607839")
	if err != nil || !ok {
		t.Fatalf("FindByISRC() = %v, %v", ok, err)
	}
	if found != newPath {
		t.Errorf("path = %q, want the replacing record's %q", found, newPath)
	}
}

func TestHistoryRecent(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()

	isrcs := []string{"USRC00000001", "USRC00000002", "USRC00000003"}
	for _, isrc := range isrcs {
		path := writeTestAudioFile(t)
		if err := h.Record(ctx, HistoryEntry{ISRC: isrc, Title: isrc, Provider: "tidal", FilePath: path}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := h.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(entries))
	}
	if entries[0].ISRC != "USRC00000003" {
		t.Errorf("entries[0].ISRC = %q, want the newest first", entries[0].ISRC)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	_, db := newTestHistory(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("re-running migrations should be a no-op, got %v", err)
	}
}
