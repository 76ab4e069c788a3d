package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
)

// FileStorage keeps events on disk under
// <root>/<device_id>/<kind>/<event_id>/{event.json,video.mp4}.
type FileStorage struct {
	root string
	log  *logger.Logger
}

// NewFileStorage creates the root directory if needed.
func NewFileStorage(root string, log *logger.Logger) (*FileStorage, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &FileStorage{root: root, log: log.With("component", "file-storage")}, nil
}

// EventDir returns the canonical directory for a record.
func (s *FileStorage) EventDir(rec *events.Record) string {
	return filepath.Join(s.root, rec.DeviceID, rec.Kind, rec.ID)
}

// eventPath locates an existing event.json by id, any device and kind.
func (s *FileStorage) eventPath(id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", id, "event.json"))
	if err != nil {
		return "", fmt.Errorf("scan for event %s: %w", id, err)
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	return matches[0], nil
}

// SaveEvent writes event.json atomically. An existing record is
// rewritten only if the new one carries video and the old does not.
func (s *FileStorage) SaveEvent(ctx context.Context, rec *events.Record) (SaveResult, error) {
	dir := s.EventDir(rec)
	path := filepath.Join(dir, "event.json")

	existing, err := s.readRecord(path)
	if err == nil {
		if existing.HasVideo && !rec.HasVideo {
			// has_video never regresses
			return AlreadyExists, nil
		}
		if err := s.writeRecord(path, rec); err != nil {
			return Failed, err
		}
		return AlreadyExists, nil
	}
	if !os.IsNotExist(err) {
		return Failed, fmt.Errorf("read event %s: %w", rec.ID, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Failed, fmt.Errorf("create event dir %s: %w", dir, err)
	}
	if err := s.writeRecord(path, rec); err != nil {
		return Failed, err
	}
	s.log.DebugStorage("event written", "event_id", rec.ID, "path", path)
	return Saved, nil
}

func (s *FileStorage) readRecord(path string) (*events.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec events.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &rec, nil
}

// writeRecord writes through a temp file so readers never observe a
// partial event.json.
func (s *FileStorage) writeRecord(path string, rec *events.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event %s: %w", rec.ID, err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("stage event file %s: %w", path, err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write event file %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit event file %s: %w", path, err)
	}
	return nil
}

// RetrieveEvent finds the record by id across all devices and kinds.
func (s *FileStorage) RetrieveEvent(ctx context.Context, id string) (*events.Record, error) {
	path, err := s.eventPath(id)
	if err != nil {
		return nil, err
	}
	rec, err := s.readRecord(path)
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", id, err)
	}
	return rec, nil
}

// SaveVideo places video.mp4 next to the event's event.json and updates
// the record. Accepts raw bytes or a local source path.
func (s *FileStorage) SaveVideo(ctx context.Context, eventID string, video Video, meta map[string]string) (string, error) {
	eventPath, err := s.eventPath(eventID)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(eventPath)
	dst := filepath.Join(dir, "video.mp4")

	switch {
	case video.Bytes != nil:
		if err := os.WriteFile(dst, video.Bytes, 0644); err != nil {
			return "", fmt.Errorf("write video for event %s: %w", eventID, err)
		}
	case video.Path != "":
		if err := copyFile(video.Path, dst); err != nil {
			return "", fmt.Errorf("copy video for event %s: %w", eventID, err)
		}
	case video.URL != "":
		// Reference only; nothing to materialise.
		dst = video.URL
	default:
		return "", fmt.Errorf("file backend: no video payload given")
	}

	rec, err := s.readRecord(eventPath)
	if err != nil {
		return "", fmt.Errorf("read event %s: %w", eventID, err)
	}
	rec.AttachVideo(dst)
	if err := s.writeRecord(eventPath, rec); err != nil {
		return "", err
	}
	return dst, nil
}

// RetrieveVideo returns the video path for eventID if the file exists.
func (s *FileStorage) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	rec, err := s.RetrieveEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if !rec.HasVideo || rec.VideoPath == "" {
		return "", ErrNotFound
	}
	if _, err := os.Stat(rec.VideoPath); err != nil {
		return "", ErrNotFound
	}
	return rec.VideoPath, nil
}

// Close is a no-op; the backend holds no native handles.
func (s *FileStorage) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
