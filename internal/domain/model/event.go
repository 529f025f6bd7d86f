package model

import (
	"encoding/json"
	"strings"
)

// Event is one external notification delivered on the event stream.
// ID is the monotonic identifier assigned by the stream and is the
// idempotency key for enqueue deduplication.
type Event struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// TopicMatches reports whether a topic matches an event-task pattern.
// Matching is exact, or segment-wise with "*" as a single-segment
// wildcard: "alerts.*" matches "alerts.high_cpu" but not "alerts.cpu.high".
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i, seg := range pp {
		if seg == "*" {
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return true
}
