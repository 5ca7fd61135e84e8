// Package memory records change events in memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Notifier stores published events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []resolution.ChangeEvent
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Publish records the event and returns a pseudo message ID.
func (n *Notifier) Publish(_ context.Context, event resolution.ChangeEvent) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return fmt.Sprintf("memory-%d", len(n.events)), nil
}

// Events returns a copy of the recorded events.
func (n *Notifier) Events() []resolution.ChangeEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]resolution.ChangeEvent, len(n.events))
	copy(out, n.events)
	return out
}

// Close implements io.Closer.
func (n *Notifier) Close() error { return nil }
