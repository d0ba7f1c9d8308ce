package chat

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Bwesun/Chat/crypto"
	"github.com/Bwesun/Chat/faults"
	"github.com/Bwesun/Chat/models"
	"github.com/Bwesun/Chat/store"
)

const (
	// DefaultFanoutTimeout bounds each partner's fan-out queries so one
	// stuck partner cannot delay the rest of the list.
	DefaultFanoutTimeout = 5 * time.Second

	fanoutConcurrency = 8
)

// MessagePlaceholder is rendered as a conversation's last message when
// the store could not deliver one. The conversation itself stays in the
// list.
const MessagePlaceholder = "[message unavailable]"

// UserDirectory resolves partner profiles. Lookup failures are isolated
// per partner and degrade to placeholder display values.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.UserProfile, error)
}

// PresenceSource overlays best-effort online information on top of the
// directory's online flag.
type PresenceSource interface {
	Online(userID string) bool
}

// IndexState is the published conversation-list state. Err is set only
// on total failure, so the UI can tell "no chats yet" (empty, nil Err)
// from "could not load your chats".
type IndexState struct {
	Summaries []models.ConversationSummary
	Loading   bool
	Err       error
}

// IndexBuilderOptions configures a conversation index builder.
//
// OnUpdate is invoked on internal goroutines while the builder holds
// its lock; it must not call back into the builder.
type IndexBuilderOptions struct {
	LocalUserID string
	Store       store.MessageStore
	Cipher      *crypto.Cipher
	Directory   UserDirectory
	Presence    PresenceSource // optional
	OnUpdate    func(IndexState)
	OnFault     func(error)

	FanoutTimeout time.Duration
}

// IndexBuilder derives the ordered conversation summary list for the
// signed-in user: one entry per distinct partner with the latest
// message across both directions, an unread count and profile data.
// Every relevant store notification triggers a full recompute; when
// recomputes overlap, only the most recently triggered one publishes.
type IndexBuilder struct {
	opts IndexBuilderOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sent     store.Snapshot
	received store.Snapshot
	gen      uint64
	subs     []store.Subscription

	// Test seam: invoked when a recompute finishes, with whether its
	// result was published.
	onRecomputeDone func(gen uint64, published bool)
}

// NewIndexBuilder validates options and returns an unstarted builder.
func NewIndexBuilder(opts IndexBuilderOptions) (*IndexBuilder, error) {
	if opts.LocalUserID == "" {
		return nil, errors.New("chat: local user id is required")
	}
	if opts.Store == nil || opts.Cipher == nil || opts.Directory == nil {
		return nil, errors.New("chat: store, cipher and directory are required")
	}
	if opts.OnUpdate == nil {
		return nil, errors.New("chat: OnUpdate callback is required")
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = DefaultFanoutTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &IndexBuilder{opts: opts, ctx: ctx, cancel: cancel}, nil
}

// Start publishes the loading state and establishes both discovery
// subscriptions (all messages sent by and addressed to the local user).
func (b *IndexBuilder) Start() {
	b.mu.Lock()
	b.opts.OnUpdate(IndexState{Loading: true})
	b.mu.Unlock()

	sentQuery := store.NewQuery().From(b.opts.LocalUserID)
	receivedQuery := store.NewQuery().To(b.opts.LocalUserID)

	subscribeRetry(b.ctx, b.opts.Store, sentQuery, b.onSent, b.accept, b.failLoad)
	subscribeRetry(b.ctx, b.opts.Store, receivedQuery, b.onReceived, b.accept, b.failLoad)
}

// Close tears down the subscriptions; in-flight recomputes are
// discarded at publish time.
func (b *IndexBuilder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	b.cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (b *IndexBuilder) accept(sub store.Subscription) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// failLoad publishes the empty-with-error state on subscription
// failure. Distinct from an empty summary list with nil Err.
func (b *IndexBuilder) failLoad(err error) {
	b.mu.Lock()
	if !b.closed {
		b.opts.OnUpdate(IndexState{Err: err})
	}
	b.mu.Unlock()

	b.emitFault(err)
}

func (b *IndexBuilder) emitFault(err error) {
	if b.opts.OnFault != nil {
		b.opts.OnFault(err)
	}
}

func (b *IndexBuilder) onSent(snap store.Snapshot) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.sent = snap
	b.triggerLocked()
	b.mu.Unlock()
}

func (b *IndexBuilder) onReceived(snap store.Snapshot) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.received = snap
	b.triggerLocked()
	b.mu.Unlock()
}

// triggerLocked starts a recompute for the current pair of snapshots.
// The generation counter implements last-writer-wins: a recompute may
// publish only while it is still the newest trigger.
func (b *IndexBuilder) triggerLocked() {
	b.gen++
	gen := b.gen
	partners := b.partnersLocked()
	go b.recompute(gen, partners)
}

// partnerHint is a conversation partner seen in the discovery
// snapshots, with the newest timestamp either snapshot holds for them.
// The timestamp keeps the partner ordered when the per-partner fetches
// fail and no authoritative last message is available.
type partnerHint struct {
	id       string
	lastTime string
}

// partnersLocked collects the distinct conversation partners appearing
// in either snapshot. A message must never be self-addressed, but the
// local id is excluded defensively anyway.
func (b *IndexBuilder) partnersLocked() []partnerHint {
	latest := make(map[string]string)
	note := func(id, ts string) {
		if id == "" || id == b.opts.LocalUserID {
			return
		}
		if current, ok := latest[id]; !ok || ts > current {
			latest[id] = ts
		}
	}
	for _, m := range b.sent {
		note(m.ToUserID, m.Timestamp)
	}
	for _, m := range b.received {
		note(m.FromUserID, m.Timestamp)
	}

	out := make([]partnerHint, 0, len(latest))
	for id, ts := range latest {
		out = append(out, partnerHint{id: id, lastTime: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *IndexBuilder) recompute(gen uint64, partners []partnerHint) {
	results := make([]*models.ConversationSummary, len(partners))

	g := new(errgroup.Group)
	g.SetLimit(fanoutConcurrency)
	for i, partner := range partners {
		i, partner := i, partner
		g.Go(func() error {
			results[i] = b.summarize(partner)
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]models.ConversationSummary, 0, len(results))
	for _, s := range results {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastTime == summaries[j].LastTime {
			return summaries[i].PartnerID < summaries[j].PartnerID
		}
		return summaries[i].LastTime > summaries[j].LastTime
	})

	b.publish(gen, summaries)
}

// summarize runs the per-partner fan-out. Failures are contained: a
// failing profile fetch degrades to placeholder values, a failing
// last-message fetch keeps the partner listed with placeholder message
// data, and only a partner whose queries genuinely return nothing is
// excluded.
func (b *IndexBuilder) summarize(p partnerHint) *models.ConversationSummary {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.FanoutTimeout)
	defer cancel()

	local := b.opts.LocalUserID
	partner := p.id

	latestOut, errOut := b.opts.Store.Fetch(ctx, store.NewQuery().From(local).To(partner).Desc().Limit(1))
	latestIn, errIn := b.opts.Store.Fetch(ctx, store.NewQuery().From(partner).To(local).Desc().Limit(1))
	if errOut != nil || errIn != nil {
		log.Printf("chat: last-message fetch for %s failed: out=%v in=%v", partner, errOut, errIn)
	}

	// Four emptiness combinations: one side empty uses the other, ties
	// prefer outgoing. Both empty excludes the partner only when both
	// queries actually succeeded; the discovery snapshots already prove
	// history with this partner, so a fetch failure degrades to
	// placeholder message data instead of dropping the conversation.
	text := MessagePlaceholder
	lastTime := p.lastTime
	var last models.Message
	haveLast := true
	switch {
	case len(latestOut) == 0 && len(latestIn) == 0:
		if errOut == nil && errIn == nil {
			return nil
		}
		haveLast = false
	case len(latestIn) == 0:
		last = latestOut[0]
	case len(latestOut) == 0:
		last = latestIn[0]
	case latestOut[0].Before(latestIn[0]):
		last = latestIn[0]
	default:
		last = latestOut[0]
	}

	if haveLast {
		lastTime = last.Timestamp
		decrypted, err := b.opts.Cipher.Open(last.Text)
		if err != nil {
			text = DecryptPlaceholder
			b.emitFault(faults.Wrap(faults.CodeDecryption, "decrypt message "+last.ID, err))
		} else {
			text = decrypted
		}
	}

	unread, err := b.opts.Store.Count(ctx, store.NewQuery().From(partner).To(local).Unread(true))
	if err != nil {
		log.Printf("chat: unread count for %s failed: %v", partner, err)
		unread = 0
	}

	summary := &models.ConversationSummary{
		PartnerID:   partner,
		Name:        models.PlaceholderName,
		LastMessage: text,
		LastTime:    lastTime,
		Unread:      unread,
	}

	profile, err := b.opts.Directory.GetUser(ctx, partner)
	if err != nil || profile == nil {
		b.emitFault(faults.Wrap(faults.CodeProfileFetch, "fetch profile "+partner, err))
	} else {
		summary.Name = profile.DisplayName()
		summary.Avatar = profile.Avatar
		summary.Online = profile.Online
	}

	if b.opts.Presence != nil && b.opts.Presence.Online(partner) {
		summary.Online = true
	}
	return summary
}

// publish delivers the recompute result unless a newer recompute has
// been triggered or the builder closed in the meantime.
func (b *IndexBuilder) publish(gen uint64, summaries []models.ConversationSummary) {
	b.mu.Lock()
	stale := b.closed || gen != b.gen
	if !stale {
		b.opts.OnUpdate(IndexState{Summaries: summaries})
	}
	done := b.onRecomputeDone
	b.mu.Unlock()

	if done != nil {
		done(gen, !stale)
	}
}
