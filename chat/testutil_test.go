package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Bwesun/Chat/crypto"
	"github.com/Bwesun/Chat/models"
	"github.com/Bwesun/Chat/store"
)

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	cipher, err := crypto.New("test-conversation-passphrase")
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}
	return cipher
}

func sealedMessage(t *testing.T, cipher *crypto.Cipher, id, from, to, text, ts string, unread bool) models.Message {
	t.Helper()
	sealed, err := cipher.Seal(text)
	if err != nil {
		t.Fatalf("seal %q: %v", text, err)
	}
	return models.Message{
		ID:         id,
		FromUserID: from,
		ToUserID:   to,
		Text:       sealed,
		Timestamp:  ts,
		Unread:     unread,
		Status:     models.StatusSent,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fakeStore is a hand-driven store.MessageStore: tests fire snapshots
// at registered subscriptions directly and script fetch/count/mark-read
// behavior.
type fakeStore struct {
	mu   sync.Mutex
	subs []*fakeStoreSub
	data []models.Message

	subscribeFailures int
	fetchErr          error
	fetchHook         func(q store.Query, result []models.Message)
	markReadCalls     []string
	markReadFailures  map[string]int
}

type fakeStoreSub struct {
	owner  *fakeStore
	query  store.Query
	fn     func(store.Snapshot)
	active bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{markReadFailures: make(map[string]int)}
}

func (f *fakeStore) setData(msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = msgs
}

func (f *fakeStore) Fetch(ctx context.Context, q store.Query) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fetchErr := f.fetchErr
	result := q.Apply(f.data)
	hook := f.fetchHook
	f.mu.Unlock()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if hook != nil {
		hook(q, result)
	}
	return result, nil
}

func (f *fakeStore) Count(ctx context.Context, q store.Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.data {
		if q.Matches(m) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Subscribe(q store.Query, fn func(store.Snapshot)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeFailures > 0 {
		f.subscribeFailures--
		return nil, errors.New("store unreachable")
	}
	sub := &fakeStoreSub{owner: f, query: q, fn: fn, active: true}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeStore) Put(ctx context.Context, m models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, m)
	return nil
}

func (f *fakeStore) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, id)
	if remaining := f.markReadFailures[id]; remaining != 0 {
		if remaining > 0 {
			f.markReadFailures[id]--
		}
		return errors.New("transient update failure")
	}
	for i := range f.data {
		if f.data[i].ID == id {
			f.data[i].Unread = false
		}
	}
	return nil
}

func (s *fakeStoreSub) Unsubscribe() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.active = false
}

func (f *fakeStore) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// fireFrom delivers snap to the subscription filtering on sender id.
func (f *fakeStore) fireFrom(userID string, snap store.Snapshot) error {
	return f.fire(func(q store.Query) bool {
		from, ok := q.FromUser()
		return ok && from == userID
	}, snap)
}

// fireTo delivers snap to the subscription filtering only on recipient.
func (f *fakeStore) fireTo(userID string, snap store.Snapshot) error {
	return f.fire(func(q store.Query) bool {
		if _, hasFrom := q.FromUser(); hasFrom {
			return false
		}
		to, ok := q.ToUser()
		return ok && to == userID
	}, snap)
}

func (f *fakeStore) fire(match func(store.Query) bool, snap store.Snapshot) error {
	f.mu.Lock()
	var target *fakeStoreSub
	for _, sub := range f.subs {
		if sub.active && match(sub.query) {
			target = sub
			break
		}
	}
	f.mu.Unlock()

	if target == nil {
		return fmt.Errorf("no active subscription matches")
	}
	target.fn(snap)
	return nil
}

func (f *fakeStore) recordedMarkReads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.markReadCalls))
	copy(out, f.markReadCalls)
	return out
}

// fakeSender scripts the REST collaborator.
type fakeSender struct {
	mu     sync.Mutex
	err    error
	posted []models.Message
	onPost func(models.Message)
}

func (f *fakeSender) PostMessage(ctx context.Context, m models.Message) error {
	f.mu.Lock()
	err := f.err
	onPost := f.onPost
	if err == nil {
		f.posted = append(f.posted, m)
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if onPost != nil {
		onPost(m)
	}
	return nil
}

// fakeDirectory scripts the user directory.
type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
	err      error
}

func newFakeDirectory(profiles ...models.UserProfile) *fakeDirectory {
	d := &fakeDirectory{profiles: make(map[string]models.UserProfile)}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *fakeDirectory) GetUser(ctx context.Context, id string) (*models.UserProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.profiles[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return &p, nil
}

// fakeNavigator records forced navigations.
type fakeNavigator struct {
	mu    sync.Mutex
	route string
	calls []string
}

func (n *fakeNavigator) CurrentRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.route
}

func (n *fakeNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.route = route
	n.calls = append(n.calls, route)
}

func (n *fakeNavigator) navigations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.calls))
	copy(out, n.calls)
	return out
}
