package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
)

// SQLiteStorage indexes event records in a sqlite database. Videos are
// stored by reference only; raw bytes are refused.
type SQLiteStorage struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSQLiteStorage opens (creating if needed) the event index at path.
// Use ":memory:" for an in-memory database.
func NewSQLiteStorage(path string, log *logger.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = logger.Default()
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLiteStorage{db: db, log: log.With("component", "sqlite-storage")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ring_events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	device_name TEXT,
	has_video   INTEGER NOT NULL DEFAULT 0,
	video_path  TEXT,
	event_data  TEXT NOT NULL,
	stored_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_ring_events_device ON ring_events(device_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate event index: %w", err)
	}
	return nil
}

// SaveEvent inserts the record, or updates the mutable fields when the
// id already exists.
func (s *SQLiteStorage) SaveEvent(ctx context.Context, rec *events.Record) (SaveResult, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Failed, fmt.Errorf("encode event %s: %w", rec.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO ring_events (id, kind, created_at, device_id, device_name, has_video, video_path, event_data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Kind, rec.CreatedAt, rec.DeviceID, rec.DeviceName,
		boolToInt(rec.HasVideo), nullable(rec.VideoPath), string(data))
	if err != nil {
		return Failed, fmt.Errorf("insert event %s: %w", rec.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Failed, fmt.Errorf("insert event %s: %w", rec.ID, err)
	}
	if rows > 0 {
		s.log.DebugStorage("event saved", "event_id", rec.ID, "kind", rec.Kind)
		return Saved, nil
	}

	// Existing row: video state only ever moves forward, in the columns
	// and in the stored JSON alike.
	var hasVideo int
	var videoPath sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT has_video, video_path FROM ring_events WHERE id = ?`, rec.ID).
		Scan(&hasVideo, &videoPath)
	if err != nil {
		return Failed, fmt.Errorf("read event %s for update: %w", rec.ID, err)
	}

	merged := rec
	if hasVideo == 1 && !rec.HasVideo {
		merged = rec.Clone()
		merged.HasVideo = true
		if merged.VideoPath == "" && videoPath.Valid {
			merged.VideoPath = videoPath.String
		}
		data, err = json.Marshal(merged)
		if err != nil {
			return Failed, fmt.Errorf("encode event %s: %w", rec.ID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE ring_events
SET has_video  = ?,
    video_path = COALESCE(?, video_path),
    event_data = ?
WHERE id = ?`,
		boolToInt(merged.HasVideo), nullable(merged.VideoPath), string(data), rec.ID)
	if err != nil {
		return Failed, fmt.Errorf("update event %s: %w", rec.ID, err)
	}
	return AlreadyExists, nil
}

// RetrieveEvent returns the record stored under id.
func (s *SQLiteStorage) RetrieveEvent(ctx context.Context, id string) (*events.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_data FROM ring_events WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event %s: %w", id, err)
	}

	var rec events.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &rec, nil
}

// SaveVideo stores a path or URL reference against the event row. Raw
// bytes are refused; this backend is an index, not an object store.
func (s *SQLiteStorage) SaveVideo(ctx context.Context, eventID string, video Video, meta map[string]string) (string, error) {
	if video.Bytes != nil {
		return "", fmt.Errorf("sqlite backend: %w", ErrBytesUnsupported)
	}
	ref := video.Path
	if ref == "" {
		ref = video.URL
	}
	if ref == "" {
		return "", fmt.Errorf("sqlite backend: no video reference given")
	}

	rec, err := s.RetrieveEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	rec.AttachVideo(ref)

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", eventID, err)
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE ring_events SET has_video = 1, video_path = ?, event_data = ? WHERE id = ?`,
		ref, string(data), eventID)
	if err != nil {
		return "", fmt.Errorf("link video for event %s: %w", eventID, err)
	}
	return ref, nil
}

// RetrieveVideo returns the stored reference for eventID.
func (s *SQLiteStorage) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	var path sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT video_path FROM ring_events WHERE id = ? AND has_video = 1`, eventID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query video for event %s: %w", eventID, err)
	}
	if !path.Valid || path.String == "" {
		return "", ErrNotFound
	}
	return path.String, nil
}

// RecentEvents returns up to limit records ordered newest first. Used by
// the status API.
func (s *SQLiteStorage) RecentEvents(ctx context.Context, limit int) ([]*events.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_data FROM ring_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []*events.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var rec events.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close shuts the database handle. Idempotent.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
