// Package events carries index lifecycle notifications over Kafka so that every server
// instance rebuilds its in-memory index after new papers are ingested.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Reasons for an index event.
const (
	ReasonIngest = "ingest"
	ReasonReload = "reload"
)

// IndexEvent announces that the paper corpus changed or an index was rebuilt.
type IndexEvent struct {
	Reason     string    `json:"reason"`
	PaperCount int       `json:"paper_count"`
	At         time.Time `json:"at"`
	// Origin identifies the publishing process; consumers skip their own events.
	Origin string `json:"origin,omitempty"`
}

// Publisher sends index events.
type Publisher interface {
	Publish(ctx context.Context, event IndexEvent) error
}

// Handler processes one decoded event.
type Handler func(ctx context.Context, event IndexEvent) error

// Decode unmarshals an event payload.
func Decode(value []byte) (IndexEvent, error) {
	var ev IndexEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("decoding index event: %w", err)
	}
	return ev, nil
}
