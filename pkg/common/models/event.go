package models

import "time"

// Event is the envelope carried on the alert, incident and batch topics.
// Data holds the payload; Metadata carries transport details such as the
// topic it was written to.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // interaction.alert, override.incident, batch.completed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
