package events

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Notification is the typed push-notification payload delivered by the
// cloud API's dings feed.
type Notification struct {
	ID                 int64    `json:"id"`
	Kind               string   `json:"kind"`
	CreatedAt          string   `json:"created_at"`
	DoorbotID          int64    `json:"doorbot_id"`
	DoorbotDescription string   `json:"doorbot_description"`
	Answered           bool     `json:"answered"`
	MotionScore        *float64 `json:"motion_detection_score"`
	Requester          string   `json:"requester"`
}

// RawEvent is a tagged union over the two shapes the notification source
// can deliver: the typed native payload or a loose JSON object.
type RawEvent struct {
	Native  *Notification
	Generic map[string]any
}

// Normalise converts a raw event into a typed Record. It is the only
// place that reads untyped notification fields.
func Normalise(raw RawEvent) (*Record, error) {
	switch {
	case raw.Native != nil:
		return normaliseNative(raw.Native)
	case raw.Generic != nil:
		return normaliseGeneric(raw.Generic)
	default:
		return nil, fmt.Errorf("empty raw event")
	}
}

func normaliseNative(n *Notification) (*Record, error) {
	if n.ID == 0 {
		return nil, fmt.Errorf("notification has no id")
	}

	rec := &Record{
		ID:         strconv.FormatInt(n.ID, 10),
		Kind:       n.Kind,
		CreatedAt:  n.CreatedAt,
		DeviceID:   strconv.FormatInt(n.DoorbotID, 10),
		DeviceName: n.DoorbotDescription,
	}
	if rec.Kind == "" {
		rec.Kind = "other"
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	switch rec.Kind {
	case KindDing:
		answered := n.Answered
		rec.Answered = &answered
	case KindMotion:
		rec.MotionScore = n.MotionScore
	case KindOnDemand:
		rec.Requester = n.Requester
	}
	return rec, nil
}

func normaliseGeneric(m map[string]any) (*Record, error) {
	id, ok := coerceString(m["id"])
	if !ok || id == "" {
		return nil, fmt.Errorf("raw event has no id")
	}

	rec := &Record{
		ID:   id,
		Kind: "other",
	}
	if kind, ok := coerceString(m["kind"]); ok && kind != "" {
		rec.Kind = kind
	}
	rec.CreatedAt = coerceTimestamp(m["created_at"])

	// Device identity comes from device_id, doorbot_id, or doorbot.id.
	if v, ok := coerceString(m["device_id"]); ok {
		rec.DeviceID = v
	} else if v, ok := coerceString(m["doorbot_id"]); ok {
		rec.DeviceID = v
	}
	if v, ok := coerceString(m["device_name"]); ok {
		rec.DeviceName = v
	} else if v, ok := coerceString(m["doorbot_description"]); ok {
		rec.DeviceName = v
	}
	if doorbot, ok := m["doorbot"].(map[string]any); ok {
		if rec.DeviceID == "" {
			if v, ok := coerceString(doorbot["id"]); ok {
				rec.DeviceID = v
			}
		}
		if rec.DeviceName == "" {
			if v, ok := coerceString(doorbot["description"]); ok {
				rec.DeviceName = v
			}
		}
	}

	switch rec.Kind {
	case KindDing:
		if v, ok := m["answered"].(bool); ok {
			rec.Answered = &v
		}
	case KindMotion:
		if v, ok := coerceFloat(m["motion_detection_score"]); ok {
			rec.MotionScore = &v
		}
	case KindOnDemand:
		if v, ok := coerceString(m["requester"]); ok {
			rec.Requester = v
		}
	}

	// Preserve everything not mapped above.
	handled := map[string]bool{
		"id": true, "kind": true, "created_at": true,
		"device_id": true, "device_name": true,
		"doorbot_id": true, "doorbot_description": true, "doorbot": true,
		"answered": true, "motion_detection_score": true, "requester": true,
		"has_video": true, "video_path": true,
	}
	for k, v := range m {
		if handled[k] {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]json.RawMessage)
		}
		rec.Extra[k] = data
	}

	return rec, nil
}

// coerceString renders strings and integral numbers as a string id.
func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// coerceTimestamp accepts an ISO-8601 string or epoch seconds; missing
// values default to now.
func coerceTimestamp(v any) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case float64:
		return time.Unix(int64(t), 0).UTC().Format(time.RFC3339)
	case int64:
		return time.Unix(t, 0).UTC().Format(time.RFC3339)
	case int:
		return time.Unix(int64(t), 0).UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}
