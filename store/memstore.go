package store

import (
	"context"
	"errors"
	"sync"

	"github.com/Bwesun/Chat/models"
)

// ErrNotFound indicates a requested message does not exist.
var ErrNotFound = errors.New("store: message not found")

// MemStore is a goroutine-safe in-memory MessageStore. It backs tests
// and serves as the substitutable fake for the remote collaborator.
type MemStore struct {
	mu       sync.Mutex
	messages map[string]models.Message
	subs     map[int]*memSub
	nextSub  int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		messages: make(map[string]models.Message),
		subs:     make(map[int]*memSub),
	}
}

type memSub struct {
	owner *MemStore
	id    int
	query Query
	fn    func(Snapshot)

	// nextSeq numbers snapshots in the order they are computed. Guarded
	// by owner.mu.
	nextSeq uint64

	// deliverMu serializes deliveries and makes Unsubscribe synchronous:
	// once it returns, no further callback runs.
	deliverMu sync.Mutex
	active    bool
	lastSeq   uint64
}

func (s *memSub) Unsubscribe() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()

	s.deliverMu.Lock()
	s.active = false
	s.deliverMu.Unlock()
}

// deliver hands the snapshot to the callback unless a newer one has
// already been delivered: snapshots are computed under the store lock
// but delivered outside it, so two racing mutators may arrive here in
// either order.
func (s *memSub) deliver(seq uint64, snap Snapshot) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.active || seq <= s.lastSeq {
		return
	}
	s.lastSeq = seq
	s.fn(snap)
}

// Fetch implements MessageStore.
func (ms *MemStore) Fetch(ctx context.Context, q Query) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return q.Apply(ms.all()), nil
}

// Count implements MessageStore.
func (ms *MemStore) Count(ctx context.Context, q Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := 0
	for _, m := range ms.messages {
		if q.Matches(m) {
			n++
		}
	}
	return n, nil
}

// Subscribe implements MessageStore. The initial snapshot is delivered
// before Subscribe returns.
func (ms *MemStore) Subscribe(q Query, fn func(Snapshot)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("store: subscription callback is required")
	}

	ms.mu.Lock()
	sub := &memSub{owner: ms, id: ms.nextSub, query: q, fn: fn, active: true}
	ms.subs[sub.id] = sub
	ms.nextSub++
	initial := q.Apply(ms.all())
	sub.nextSeq++
	seq := sub.nextSeq
	ms.mu.Unlock()

	sub.deliver(seq, initial)
	return sub, nil
}

// Put implements MessageStore.
func (ms *MemStore) Put(ctx context.Context, m models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" {
		return errors.New("store: message id is required")
	}

	ms.mu.Lock()
	old, existed := ms.messages[m.ID]
	ms.messages[m.ID] = m
	targets, snaps, seqs := ms.affectedLocked(func(q Query) bool {
		return q.Matches(m) || (existed && q.Matches(old))
	})
	ms.mu.Unlock()

	for i, sub := range targets {
		sub.deliver(seqs[i], snaps[i])
	}
	return nil
}

// MarkRead implements MessageStore.
func (ms *MemStore) MarkRead(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	m, ok := ms.messages[id]
	if !ok {
		ms.mu.Unlock()
		return ErrNotFound
	}
	old := m
	m.Unread = false
	ms.messages[id] = m
	targets, snaps, seqs := ms.affectedLocked(func(q Query) bool {
		return q.Matches(m) || q.Matches(old)
	})
	ms.mu.Unlock()

	for i, sub := range targets {
		sub.deliver(seqs[i], snaps[i])
	}
	return nil
}

func (ms *MemStore) all() []models.Message {
	out := make([]models.Message, 0, len(ms.messages))
	for _, m := range ms.messages {
		out = append(out, m)
	}
	return out
}

// affectedLocked collects subscriptions whose result set may have
// changed, with a fresh full snapshot and its sequence number for each.
// Caller holds ms.mu.
func (ms *MemStore) affectedLocked(relevant func(Query) bool) ([]*memSub, []Snapshot, []uint64) {
	var targets []*memSub
	var snaps []Snapshot
	var seqs []uint64
	for _, sub := range ms.subs {
		if !relevant(sub.query) {
			continue
		}
		targets = append(targets, sub)
		snaps = append(snaps, sub.query.Apply(ms.all()))
		sub.nextSeq++
		seqs = append(seqs, sub.nextSeq)
	}
	return targets, snaps, seqs
}
