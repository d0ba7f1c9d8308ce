// Package auth defines the authentication collaborator contract. The
// provider delivers the signed-in identity (or nil when signed out) on
// every change; before the first delivery the session state is unknown
// and consumers must take no action.
package auth

import "sync"

// Identity is the signed-in user as reported by the auth collaborator.
type Identity struct {
	UserID string
	Email  string
}

// Subscription is a live auth-stream registration. Unsubscribe is
// idempotent and synchronous.
type Subscription interface {
	Unsubscribe()
}

// Provider is the auth collaborator: Subscribe registers fn for every
// status change. If the status has already resolved, fn is invoked
// immediately with the current value.
type Provider interface {
	Subscribe(fn func(*Identity)) Subscription
}

// Broadcaster is an in-process Provider. SignIn and SignOut resolve the
// status and fan it out to every subscriber.
type Broadcaster struct {
	mu       sync.Mutex
	current  *Identity
	resolved bool
	subs     map[int]*broadcastSub
	nextSub  int
}

// NewBroadcaster returns a Broadcaster in the unresolved state.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*broadcastSub)}
}

// Subscribe implements Provider.
func (b *Broadcaster) Subscribe(fn func(*Identity)) Subscription {
	b.mu.Lock()
	sub := &broadcastSub{owner: b, id: b.nextSub, fn: fn, active: true}
	b.subs[sub.id] = sub
	b.nextSub++
	resolved, current := b.resolved, b.current
	b.mu.Unlock()

	if resolved {
		sub.deliver(current)
	}
	return sub
}

// SignIn resolves the status to authenticated as id.
func (b *Broadcaster) SignIn(id Identity) {
	b.publish(&id)
}

// SignOut resolves the status to unauthenticated.
func (b *Broadcaster) SignOut() {
	b.publish(nil)
}

func (b *Broadcaster) publish(id *Identity) {
	b.mu.Lock()
	b.current = id
	b.resolved = true
	targets := make([]*broadcastSub, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(id)
	}
}

type broadcastSub struct {
	owner *Broadcaster
	id    int
	fn    func(*Identity)

	deliverMu sync.Mutex
	active    bool
}

func (s *broadcastSub) Unsubscribe() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()

	s.deliverMu.Lock()
	s.active = false
	s.deliverMu.Unlock()
}

func (s *broadcastSub) deliver(id *Identity) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.active {
		return
	}
	s.fn(id)
}
