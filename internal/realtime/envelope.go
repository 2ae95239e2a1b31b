package realtime

import "time"

const fieldTimestamp = "timestamp"

// Envelope is the wire unit shared by project sockets and notification streams.
type Envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// NewEnvelope copies data and injects a unix-millisecond timestamp when the
// payload does not already carry one.
func NewEnvelope(eventType string, data map[string]any, now time.Time) Envelope {
	payload := make(map[string]any, len(data)+1)
	for key, value := range data {
		payload[key] = value
	}
	if _, ok := payload[fieldTimestamp]; !ok {
		payload[fieldTimestamp] = now.UnixMilli()
	}
	return Envelope{Type: eventType, Data: payload}
}
