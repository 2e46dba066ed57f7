// Package event publishes commit notifications to downstream consumers.
// Delivery is at-least-once and independent of the upload result: a failed
// publication never rolls back a committed upload.
package event

import (
	"context"
	"time"

	"github.com/GoCodeAlone/depot/ident"
)

// Event announces one committed artifact.
type Event struct {
	Ident       ident.Ident `json:"ident"`
	CommittedAt time.Time   `json:"committed_at"`
}

// Publisher delivers commit events to the notification channel. Publish
// enqueues; delivery and retry happen asynchronously so the upload path
// never blocks on the transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
