// Package chat implements the realtime-sync core: the conversation
// assembler, the conversation index builder and the session gate. All
// three consume injected collaborator interfaces (document store, auth
// stream, REST backend) so they can be driven by in-memory fakes.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Bwesun/Chat/crypto"
	"github.com/Bwesun/Chat/faults"
	"github.com/Bwesun/Chat/models"
	"github.com/Bwesun/Chat/store"
)

// DecryptPlaceholder is rendered in place of a message whose ciphertext
// could not be opened. The message is never dropped silently.
const DecryptPlaceholder = "[unable to decrypt]"

// MessageSender submits a message to the backend for delivery.
type MessageSender interface {
	PostMessage(ctx context.Context, m models.Message) error
}

// AssemblerOptions configures a conversation assembler.
//
// Callbacks are invoked on the notifying goroutine while the assembler
// holds its internal lock; they must not call back into the assembler.
type AssemblerOptions struct {
	LocalUserID string
	PartnerID   string
	Store       store.MessageStore
	Cipher      *crypto.Cipher
	Sender      MessageSender

	// OnUpdate receives the merged, ordered, decrypted conversation
	// after every notification. Required.
	OnUpdate func([]models.Message)
	// OnFault receives contained per-message and subscription faults.
	OnFault func(error)
	// OnScroll fires once after the initial load and after every
	// successful local send, always after the merged list updated.
	OnScroll func()
}

// Assembler keeps one (local, partner) conversation current: it merges
// the two direction-filtered subscription snapshots into a single
// chronologically ordered decrypted list and marks incoming unread
// messages read exactly once.
type Assembler struct {
	opts AssemblerOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	outgoing      store.Snapshot
	incoming      store.Snapshot
	loadedOut    bool
	loadedIn     bool
	scrolled     bool
	pendingSends map[string]struct{}
	view         []models.Message
	subs         []store.Subscription

	receipts *readReceiptWorker
}

// NewAssembler validates options and returns an unstarted assembler.
func NewAssembler(opts AssemblerOptions) (*Assembler, error) {
	if opts.LocalUserID == "" || opts.PartnerID == "" {
		return nil, errors.New("chat: local and partner user ids are required")
	}
	if opts.LocalUserID == opts.PartnerID {
		return nil, errors.New("chat: cannot assemble a conversation with yourself")
	}
	if opts.Store == nil || opts.Cipher == nil || opts.Sender == nil {
		return nil, errors.New("chat: store, cipher and sender are required")
	}
	if opts.OnUpdate == nil {
		return nil, errors.New("chat: OnUpdate callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Assembler{opts: opts, ctx: ctx, cancel: cancel}, nil
}

// Start establishes both subscriptions. Each one delivers the full
// current result set for its direction on every notification.
func (a *Assembler) Start() {
	a.receipts = newReadReceiptWorker(a.opts.Store)

	outQuery := store.NewQuery().From(a.opts.LocalUserID).To(a.opts.PartnerID)
	inQuery := store.NewQuery().From(a.opts.PartnerID).To(a.opts.LocalUserID)

	subscribeRetry(a.ctx, a.opts.Store, outQuery, a.onOutgoing, a.accept, a.emitFault)
	subscribeRetry(a.ctx, a.opts.Store, inQuery, a.onIncoming, a.accept, a.emitFault)
}

// Close tears down both subscriptions and the receipt worker. It is
// idempotent; notifications racing with Close are dropped before any
// side effect.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	a.cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if a.receipts != nil {
		a.receipts.stop()
	}
}

// Messages returns a copy of the current merged view.
func (a *Assembler) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.view))
	copy(out, a.view)
	return out
}

// Send encrypts and submits trimmed non-empty text. Empty or
// whitespace-only input is rejected as a no-op. On failure the caller
// keeps its input and receives a SEND fault; nothing is inserted into
// the local view — the next outgoing notification renders the message.
func (a *Assembler) Send(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return faults.New(faults.CodeSend, "conversation is closed")
	}
	a.mu.Unlock()

	sealed, err := a.opts.Cipher.Seal(trimmed)
	if err != nil {
		return faults.Wrap(faults.CodeSend, "encrypt message", err)
	}

	m := models.Message{
		ID:         models.NewMessageID(),
		FromUserID: a.opts.LocalUserID,
		ToUserID:   a.opts.PartnerID,
		Text:       sealed,
		Timestamp:  models.FormatTimestamp(time.Now()),
		Unread:     true,
		Status:     models.StatusSent,
	}
	if err := a.opts.Sender.PostMessage(ctx, m); err != nil {
		return faults.Wrap(faults.CodeSend, "send message", err)
	}

	// Scroll only once the outgoing subscription has rendered this
	// message; an unrelated incoming notification must not fire it.
	a.mu.Lock()
	if a.pendingSends == nil {
		a.pendingSends = make(map[string]struct{})
	}
	a.pendingSends[m.ID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Assembler) accept(sub store.Subscription) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
}

func (a *Assembler) emitFault(err error) {
	if a.opts.OnFault != nil {
		a.opts.OnFault(err)
	}
}

func (a *Assembler) onOutgoing(snap store.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.outgoing = snap
	a.loadedOut = true
	a.mergeLocked()
}

func (a *Assembler) onIncoming(snap store.Snapshot) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.incoming = snap
	a.loadedIn = true

	var unread []string
	for _, m := range snap {
		if m.Unread && m.ToUserID == a.opts.LocalUserID {
			unread = append(unread, m.ID)
		}
	}
	a.mergeLocked()
	a.mu.Unlock()

	// Fire-and-forget: marking read never blocks the merged view.
	if len(unread) > 0 {
		a.receipts.enqueue(unread)
	}
}

// mergeLocked recomputes the published view from the two latest
// snapshots. Each snapshot fully replaces its direction, so no cross-
// notification deduplication is needed; a self-addressed message is the
// only illegal overlap and is filtered defensively.
func (a *Assembler) mergeLocked() {
	all := make([]models.Message, 0, len(a.outgoing)+len(a.incoming))
	for _, m := range a.outgoing {
		if !m.SelfAddressed() {
			all = append(all, m)
		}
	}
	for _, m := range a.incoming {
		if !m.SelfAddressed() {
			all = append(all, m)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })

	for i := range all {
		text, err := a.opts.Cipher.Open(all[i].Text)
		if err != nil {
			all[i].Text = DecryptPlaceholder
			a.emitFault(faults.Wrap(faults.CodeDecryption, "decrypt message "+all[i].ID, err))
			continue
		}
		all[i].Text = text
	}

	a.view = all
	published := make([]models.Message, len(all))
	copy(published, all)
	a.opts.OnUpdate(published)

	if !a.scrolled && a.loadedOut && a.loadedIn {
		a.scrolled = true
		a.fireScroll()
	}
	if len(a.pendingSends) > 0 {
		rendered := false
		for _, m := range a.outgoing {
			if _, ok := a.pendingSends[m.ID]; ok {
				delete(a.pendingSends, m.ID)
				rendered = true
			}
		}
		if rendered {
			a.fireScroll()
		}
	}
}

func (a *Assembler) fireScroll() {
	if a.opts.OnScroll != nil {
		a.opts.OnScroll()
	}
}
