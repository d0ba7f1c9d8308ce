package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bwesun/Chat/faults"
	"github.com/Bwesun/Chat/models"
	"github.com/Bwesun/Chat/store"
)

type indexRecorder struct {
	mu     sync.Mutex
	states []IndexState
	faults []error
}

func (r *indexRecorder) onUpdate(state IndexState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *indexRecorder) onFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, err)
}

func (r *indexRecorder) lastState() (IndexState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return IndexState{}, false
	}
	return r.states[len(r.states)-1], true
}

func (r *indexRecorder) firstState() (IndexState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return IndexState{}, false
	}
	return r.states[0], true
}

func (r *indexRecorder) hasErrState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Err != nil {
			return true
		}
	}
	return false
}

func (r *indexRecorder) faultCodes() []faults.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	var codes []faults.Code
	for _, err := range r.faults {
		codes = append(codes, faults.CodeOf(err))
	}
	return codes
}

func newTestIndexBuilder(t *testing.T, st store.MessageStore, dir UserDirectory, presence PresenceSource) (*IndexBuilder, *indexRecorder) {
	t.Helper()
	rec := &indexRecorder{}
	if dir == nil {
		dir = newFakeDirectory()
	}
	b, err := NewIndexBuilder(IndexBuilderOptions{
		LocalUserID: "alice",
		Store:       st,
		Cipher:      newTestCipher(t),
		Directory:   dir,
		Presence:    presence,
		OnUpdate:    rec.onUpdate,
		OnFault:     rec.onFault,
	})
	if err != nil {
		t.Fatalf("NewIndexBuilder failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b, rec
}

func TestIndexBuildsOrderedSummariesFromStore(t *testing.T) {
	cipher := newTestCipher(t)
	st := store.NewMemStore()
	seed := []models.Message{
		sealedMessage(t, cipher, "m1", "alice", "bob", "hi bob", "2026-01-01T10:00:00.000Z", false),
		sealedMessage(t, cipher, "m2", "bob", "alice", "hi alice", "2026-01-01T10:05:00.000Z", true),
		sealedMessage(t, cipher, "m3", "carol", "alice", "ping", "2026-01-01T10:01:00.000Z", true),
		sealedMessage(t, cipher, "m4", "carol", "alice", "ping again", "2026-01-01T10:02:00.000Z", true),
	}
	for _, m := range seed {
		if err := st.Put(context.Background(), m); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	dir := newFakeDirectory(
		models.UserProfile{ID: "bob", FirstName: "Bob", Surname: "Okafor"},
		models.UserProfile{ID: "carol", FirstName: "Carol", Surname: "Eze"},
	)
	b, rec := newTestIndexBuilder(t, st, dir, nil)

	b.Start()

	if first, ok := rec.firstState(); !ok || !first.Loading {
		t.Fatalf("expected an initial loading state, got %+v", first)
	}

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && !state.Loading && len(state.Summaries) == 2
	}, "index with two conversations")

	state, _ := rec.lastState()
	if state.Err != nil {
		t.Fatalf("unexpected error state: %v", state.Err)
	}

	// Newest conversation first: bob at 10:05, carol at 10:02.
	bob, carol := state.Summaries[0], state.Summaries[1]
	if bob.PartnerID != "bob" || carol.PartnerID != "carol" {
		t.Fatalf("unexpected ordering: %+v", state.Summaries)
	}
	if bob.Name != "Bob Okafor" || bob.LastMessage != "hi alice" || bob.Unread != 1 {
		t.Fatalf("unexpected bob summary: %+v", bob)
	}
	if carol.Name != "Carol Eze" || carol.LastMessage != "ping again" || carol.Unread != 2 {
		t.Fatalf("unexpected carol summary: %+v", carol)
	}
}

func TestIndexUpdatesWhenNewMessageArrives(t *testing.T) {
	cipher := newTestCipher(t)
	st := store.NewMemStore()
	if err := st.Put(context.Background(), sealedMessage(t, cipher, "m1", "bob", "alice", "old", "2026-01-01T10:00:00.000Z", false)); err != nil {
		t.Fatal(err)
	}

	dir := newFakeDirectory(models.UserProfile{ID: "bob", FirstName: "Bob"})
	b, rec := newTestIndexBuilder(t, st, dir, nil)
	b.Start()

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && len(state.Summaries) == 1 && state.Summaries[0].LastMessage == "old"
	}, "initial summary")

	if err := st.Put(context.Background(), sealedMessage(t, cipher, "m2", "bob", "alice", "new", "2026-01-01T10:10:00.000Z", true)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && len(state.Summaries) == 1 &&
			state.Summaries[0].LastMessage == "new" && state.Summaries[0].Unread == 1
	}, "summary refreshed after new message")
}

func TestIndexTieBetweenDirectionsPrefersOutgoing(t *testing.T) {
	cipher := newTestCipher(t)
	st := store.NewMemStore()
	ts := "2026-01-01T10:00:00.000Z"
	if err := st.Put(context.Background(), sealedMessage(t, cipher, "in", "bob", "alice", "their word", ts, false)); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(context.Background(), sealedMessage(t, cipher, "out", "alice", "bob", "my word", ts, false)); err != nil {
		t.Fatal(err)
	}

	b, rec := newTestIndexBuilder(t, st, newFakeDirectory(models.UserProfile{ID: "bob", FirstName: "Bob"}), nil)
	b.Start()

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && len(state.Summaries) == 1
	}, "summary")

	state, _ := rec.lastState()
	if state.Summaries[0].LastMessage != "my word" {
		t.Fatalf("expected outgoing to win the timestamp tie, got %+v", state.Summaries[0])
	}
}

func TestIndexExcludesPartnerWithNoRetrievableMessages(t *testing.T) {
	cipher := newTestCipher(t)
	fs := newFakeStore()
	b, rec := newTestIndexBuilder(t, fs, nil, nil)
	b.Start()

	// The discovery snapshot names bob, but the per-partner fetches find
	// nothing: bob is excluded and the result is an ordinary empty list.
	ghost := sealedMessage(t, cipher, "g1", "bob", "alice", "gone", "2026-01-01T10:00:00.000Z", false)
	if err := fs.fireTo("alice", store.Snapshot{ghost}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && !state.Loading
	}, "recompute after notification")

	state, _ := rec.lastState()
	if state.Err != nil {
		t.Fatalf("empty index must not carry an error: %v", state.Err)
	}
	if len(state.Summaries) != 0 {
		t.Fatalf("expected partner without messages excluded, got %+v", state.Summaries)
	}
}

func TestIndexFetchFailureKeepsPartnerWithPlaceholder(t *testing.T) {
	cipher := newTestCipher(t)
	fs := newFakeStore()
	fs.fetchErr = errors.New("store unavailable")

	dir := newFakeDirectory(models.UserProfile{ID: "bob", FirstName: "Bob"})
	b, rec := newTestIndexBuilder(t, fs, dir, nil)
	b.Start()

	// The discovery snapshot proves bob has history; a store hiccup on
	// the per-partner fetches must not make the conversation vanish.
	known := sealedMessage(t, cipher, "k1", "bob", "alice", "hello", "2026-01-01T10:00:00.000Z", false)
	if err := fs.fireTo("alice", store.Snapshot{known}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && !state.Loading
	}, "recompute after notification")

	state, _ := rec.lastState()
	if len(state.Summaries) != 1 {
		t.Fatalf("expected bob kept despite fetch failure, got %+v", state.Summaries)
	}
	s := state.Summaries[0]
	if s.PartnerID != "bob" || s.Name != "Bob" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.LastMessage != MessagePlaceholder {
		t.Fatalf("expected placeholder last message, got %q", s.LastMessage)
	}
	// Ordering falls back to the discovery snapshot's timestamp.
	if s.LastTime != known.Timestamp {
		t.Fatalf("expected snapshot timestamp for ordering, got %q", s.LastTime)
	}
}

func TestIndexProfileFailureDegradesToPlaceholder(t *testing.T) {
	cipher := newTestCipher(t)
	st := store.NewMemStore()
	if err := st.Put(context.Background(), sealedMessage(t, cipher, "m1", "bob", "alice", "hello", "2026-01-01T10:00:00.000Z", true)); err != nil {
		t.Fatal(err)
	}

	// Directory knows nobody.
	b, rec := newTestIndexBuilder(t, st, newFakeDirectory(), nil)
	b.Start()

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && len(state.Summaries) == 1
	}, "summary despite profile failure")

	state, _ := rec.lastState()
	s := state.Summaries[0]
	if s.Name != models.PlaceholderName || s.Avatar != "" {
		t.Fatalf("expected placeholder profile values, got %+v", s)
	}
	if s.LastMessage != "hello" || s.Unread != 1 {
		t.Fatalf("message data must survive a profile failure: %+v", s)
	}

	found := false
	for _, code := range rec.faultCodes() {
		if code == faults.CodeProfileFetch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PROFILE_FETCH fault, got %v", rec.faultCodes())
	}
}

func TestIndexSubscriptionFailurePublishesErrorState(t *testing.T) {
	fs := newFakeStore()
	fs.subscribeFailures = 2

	b, rec := newTestIndexBuilder(t, fs, nil, nil)
	b.Start()

	waitFor(t, 2*time.Second, func() bool {
		return rec.hasErrState()
	}, "error state after subscription failure")

	// The failed subscriptions are re-established in the background.
	waitFor(t, 5*time.Second, func() bool {
		return fs.subscriptionCount() == 2
	}, "resubscription")
}

func TestIndexPresenceOverlayMarksPartnerOnline(t *testing.T) {
	cipher := newTestCipher(t)
	st := store.NewMemStore()
	if err := st.Put(context.Background(), sealedMessage(t, cipher, "m1", "bob", "alice", "hey", "2026-01-01T10:00:00.000Z", false)); err != nil {
		t.Fatal(err)
	}

	presence := fakePresence{"bob": true}
	dir := newFakeDirectory(models.UserProfile{ID: "bob", FirstName: "Bob", Online: false})
	b, rec := newTestIndexBuilder(t, st, dir, presence)
	b.Start()

	waitFor(t, 2*time.Second, func() bool {
		state, ok := rec.lastState()
		return ok && len(state.Summaries) == 1
	}, "summary")

	state, _ := rec.lastState()
	if !state.Summaries[0].Online {
		t.Fatalf("expected presence overlay to mark bob online: %+v", state.Summaries[0])
	}
}

type fakePresence map[string]bool

func (p fakePresence) Online(userID string) bool { return p[userID] }

// A recompute started from stale snapshots must not overwrite the
// result of one started later, however slowly it finishes.
func TestIndexStaleRecomputeNeverOverwritesNewer(t *testing.T) {
	cipher := newTestCipher(t)
	fs := newFakeStore()
	fs.setData(sealedMessage(t, cipher, "m1", "bob", "alice", "old", "2026-01-01T10:00:00.000Z", false))

	// Only the very first fetch parks; later fetches must run free, so
	// the gate is a CAS rather than anything that would serialize them.
	gateEntered := make(chan struct{})
	gateRelease := make(chan struct{})
	var parked atomic.Bool
	fs.fetchHook = func(q store.Query, _ []models.Message) {
		if parked.CompareAndSwap(false, true) {
			close(gateEntered)
			<-gateRelease
		}
	}

	b, rec := newTestIndexBuilder(t, fs, newFakeDirectory(models.UserProfile{ID: "bob", FirstName: "Bob"}), nil)

	var doneMu sync.Mutex
	published := make(map[uint64]bool)
	b.onRecomputeDone = func(gen uint64, ok bool) {
		doneMu.Lock()
		published[gen] = ok
		doneMu.Unlock()
	}

	b.Start()

	trigger := store.Snapshot{
		sealedMessage(t, cipher, "m1", "bob", "alice", "old", "2026-01-01T10:00:00.000Z", false),
	}
	if err := fs.fireTo("alice", trigger); err != nil {
		t.Fatal(err)
	}
	<-gateEntered // the first recompute is parked mid-fetch on stale data

	fs.setData(sealedMessage(t, cipher, "m2", "bob", "alice", "new", "2026-01-01T10:10:00.000Z", false))
	if err := fs.fireTo("alice", trigger); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		doneMu.Lock()
		defer doneMu.Unlock()
		return published[2]
	}, "newer recompute to publish")

	close(gateRelease)

	waitFor(t, 2*time.Second, func() bool {
		doneMu.Lock()
		defer doneMu.Unlock()
		_, done := published[1]
		return done
	}, "stale recompute to finish")

	doneMu.Lock()
	stalePublished := published[1]
	doneMu.Unlock()
	if stalePublished {
		t.Fatalf("stale recompute must be discarded")
	}

	state, _ := rec.lastState()
	if len(state.Summaries) != 1 || state.Summaries[0].LastMessage != "new" {
		t.Fatalf("expected the newer result to stand, got %+v", state)
	}
}

func TestNewIndexBuilderValidation(t *testing.T) {
	fs := newFakeStore()
	base := IndexBuilderOptions{
		LocalUserID: "alice",
		Store:       fs,
		Cipher:      newTestCipher(t),
		Directory:   newFakeDirectory(),
		OnUpdate:    func(IndexState) {},
	}

	cases := []func(*IndexBuilderOptions){
		func(o *IndexBuilderOptions) { o.LocalUserID = "" },
		func(o *IndexBuilderOptions) { o.Store = nil },
		func(o *IndexBuilderOptions) { o.Cipher = nil },
		func(o *IndexBuilderOptions) { o.Directory = nil },
		func(o *IndexBuilderOptions) { o.OnUpdate = nil },
	}
	for i, mutate := range cases {
		opts := base
		mutate(&opts)
		if _, err := NewIndexBuilder(opts); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
