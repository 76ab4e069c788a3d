package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
)

// RemoteStorage ships events and videos to an HTTP backend:
//
//	POST <base>/events                 save record (200/201 saved, 409 exists)
//	GET  <base>/events/<id>            fetch record
//	POST <base>/events/<id>/video      upload video (mp4 body) or reference (JSON)
//	GET  <base>/events/<id>/video      fetch {"url": ...}
type RemoteStorage struct {
	baseURL string
	token   string
	client  *http.Client
	log     *logger.Logger
}

// NewRemoteStorage creates a client for the given base URL. token may be
// empty when the backend is unauthenticated.
func NewRemoteStorage(baseURL, token string, log *logger.Logger) *RemoteStorage {
	if log == nil {
		log = logger.Default()
	}
	return &RemoteStorage{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With("component", "remote-storage"),
	}
}

func (s *RemoteStorage) newRequest(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

// SaveEvent posts the record. A 409 response means the backend already
// has this id.
func (s *RemoteStorage) SaveEvent(ctx context.Context, rec *events.Record) (SaveResult, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Failed, fmt.Errorf("encode event %s: %w", rec.ID, err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, s.baseURL+"/events", bytes.NewReader(data), "application/json")
	if err != nil {
		return Failed, fmt.Errorf("build save request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Failed, fmt.Errorf("save event %s: %w", rec.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return AlreadyExists, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Saved, nil
	default:
		return Failed, fmt.Errorf("save event %s: backend returned %d", rec.ID, resp.StatusCode)
	}
}

// RetrieveEvent fetches the record by id.
func (s *RemoteStorage) RetrieveEvent(ctx context.Context, id string) (*events.Record, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"/events/"+id, nil, "")
	if err != nil {
		return nil, fmt.Errorf("build retrieve request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve event %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("retrieve event %s: backend returned %d", id, resp.StatusCode)
	}

	var rec events.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &rec, nil
}

// SaveVideo uploads bytes or a local file as the mp4 body, or posts a
// reference when given a URL. Returns the backend's URL for the video.
func (s *RemoteStorage) SaveVideo(ctx context.Context, eventID string, video Video, meta map[string]string) (string, error) {
	url := s.baseURL + "/events/" + eventID + "/video"

	var req *http.Request
	var err error
	switch {
	case video.Bytes != nil:
		req, err = s.newRequest(ctx, http.MethodPost, url, bytes.NewReader(video.Bytes), "video/mp4")
	case video.Path != "":
		data, readErr := readLocalVideo(video.Path)
		if readErr != nil {
			return "", fmt.Errorf("read video for event %s: %w", eventID, readErr)
		}
		req, err = s.newRequest(ctx, http.MethodPost, url, bytes.NewReader(data), "video/mp4")
	case video.URL != "":
		body, _ := json.Marshal(map[string]string{"url": video.URL})
		req, err = s.newRequest(ctx, http.MethodPost, url, bytes.NewReader(body), "application/json")
	default:
		return "", fmt.Errorf("remote backend: no video payload given")
	}
	if err != nil {
		return "", fmt.Errorf("build video request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload video for event %s: %w", eventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("upload video for event %s: backend returned %d", eventID, resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.URL == "" {
		// Backend did not return a URL; fall back to the resource path.
		return url, nil
	}
	return out.URL, nil
}

// RetrieveVideo returns the backend URL for the stored video.
func (s *RemoteStorage) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"/events/"+eventID+"/video", nil, "")
	if err != nil {
		return "", fmt.Errorf("build video request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("retrieve video for event %s: %w", eventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("retrieve video for event %s: backend returned %d", eventID, resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode video response for event %s: %w", eventID, err)
	}
	if out.URL == "" {
		return "", ErrNotFound
	}
	return out.URL, nil
}

// Close is a no-op; the HTTP client holds no persistent handles.
func (s *RemoteStorage) Close() error {
	return nil
}

func readLocalVideo(path string) ([]byte, error) {
	return readFileLimited(path, 256<<20)
}

// readFileLimited refuses files above limit to avoid uploading a runaway
// recording.
func readFileLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("video exceeds %d byte upload limit", limit)
	}
	return data, nil
}
