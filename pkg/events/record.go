// Package events defines the typed event record produced from push
// notifications, the normaliser that builds it, and the in-process bus
// that distributes it.
package events

import (
	"encoding/json"
	"fmt"
)

// Event kinds with dedicated handling. Anything else passes through
// under its own kind.
const (
	KindDing     = "ding"
	KindMotion   = "motion"
	KindOnDemand = "on_demand"
)

// Record is the normalised event written to every storage backend.
// Unknown fields from the raw notification are preserved in Extra and
// round-trip through JSON.
type Record struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	CreatedAt  string `json:"created_at"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	HasVideo   bool   `json:"has_video"`
	VideoPath  string `json:"video_path,omitempty"`

	// Kind-specific optional fields.
	Answered    *bool    `json:"answered,omitempty"`               // ding
	MotionScore *float64 `json:"motion_detection_score,omitempty"` // motion
	Requester   string   `json:"requester,omitempty"`              // on_demand

	// Extra holds passthrough fields not covered above.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownKeys are the explicit JSON fields; everything else lands in Extra.
var knownKeys = map[string]bool{
	"id": true, "kind": true, "created_at": true,
	"device_id": true, "device_name": true,
	"has_video": true, "video_path": true,
	"answered": true, "motion_detection_score": true, "requester": true,
}

type recordAlias Record

// MarshalJSON merges the explicit fields with the Extra passthrough map.
func (r *Record) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*recordAlias)(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the explicit fields and captures everything else
// into Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*recordAlias)(r)); err != nil {
		return fmt.Errorf("decode event record: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode event record fields: %w", err)
	}
	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

// AttachVideo marks the record as having a stored video. HasVideo never
// transitions back to false.
func (r *Record) AttachVideo(path string) {
	r.HasVideo = true
	r.VideoPath = path
}

// Clone returns a deep copy safe for concurrent mutation.
func (r *Record) Clone() *Record {
	c := *r
	if r.Answered != nil {
		v := *r.Answered
		c.Answered = &v
	}
	if r.MotionScore != nil {
		v := *r.MotionScore
		c.MotionScore = &v
	}
	if len(r.Extra) > 0 {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}
