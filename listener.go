package changeflow

import (
	"context"
)

// Listener is an interface for implementing a change event capture source.
type Listener interface {
	Dial(context.Context) error
	ListenForChanges(context.Context) (<-chan *ChangeEvent, <-chan error)
	Close() error
}

// PersistentListener is a Listener that can persist its replication position.
// CommitState records the source position carried by the last event a
// consumer has durably handled.
type PersistentListener interface {
	Listener
	CommitState(ctx context.Context, last *ChangeEvent) error
}
