// Package store defines the document-store collaborator contract the
// sync core is built against, plus an in-memory engine. Live
// subscriptions follow snapshot semantics: every notification delivers
// the FULL current result set for its query, never a delta. The merge
// and recompute logic downstream depends on exactly this contract.
package store

import (
	"context"

	"github.com/Bwesun/Chat/models"
)

// Snapshot is the complete current result set of a subscribed query at
// a point in time.
type Snapshot []models.Message

// Subscription is a live query registration. Unsubscribe is idempotent
// and synchronous: once it returns, the callback will not be invoked
// again, including for notifications already in flight.
type Subscription interface {
	Unsubscribe()
}

// MessageStore is the queryable, subscribable message collection. The
// remote backend owns the canonical records; implementations here are
// engines embodying the same contract (in-memory for tests, SQLite for
// local deployments).
type MessageStore interface {
	// Fetch runs a one-shot query.
	Fetch(ctx context.Context, q Query) ([]models.Message, error)
	// Count returns the number of messages matching q.
	Count(ctx context.Context, q Query) (int, error)
	// Subscribe registers fn for q. The current snapshot is delivered
	// immediately, then again after every mutation that may affect the
	// result set.
	Subscribe(q Query, fn func(Snapshot)) (Subscription, error)
	// Put inserts or replaces a message.
	Put(ctx context.Context, m models.Message) error
	// MarkRead clears the unread flag on one message. It is idempotent.
	MarkRead(ctx context.Context, id string) error
}
