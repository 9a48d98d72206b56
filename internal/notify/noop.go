// Package notify publishes job lifecycle events.
package notify

import (
	"context"

	"github.com/prepstack/exportsrv/internal/export"
)

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

// NewNoop constructs a Noop publisher.
func NewNoop() *Noop {
	return &Noop{}
}

// Publish discards the event.
func (n *Noop) Publish(_ context.Context, _ export.Event) error {
	return nil
}

// Close is a no-op.
func (n *Noop) Close() error {
	return nil
}
