// Package archive provides long-term artifact storage providers.
package archive

import "context"

// Noop discards every artifact. Used when no archive backend is configured.
type Noop struct{}

// NewNoop constructs a Noop archive.
func NewNoop() *Noop {
	return &Noop{}
}

// Save discards the artifact.
func (n *Noop) Save(_ context.Context, _ string, _ []byte, _ string) error {
	return nil
}

// Close is a no-op.
func (n *Noop) Close() error {
	return nil
}
