package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Bwesun/Chat/store"
)

const (
	receiptQueueSize   = 256
	receiptCallTimeout = 5 * time.Second
)

// readReceiptWorker clears unread flags in the background, decoupled
// from the render path. Each id is attempted at most twice (one retry
// on transient failure), then logged and abandoned; this side effect
// never surfaces to the user and never blocks publishing a merged view.
type readReceiptWorker struct {
	store  store.MessageStore
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan string
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]struct{}
}

func newReadReceiptWorker(st store.MessageStore) *readReceiptWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &readReceiptWorker{
		store:  st,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan string, receiptQueueSize),
		seen:   make(map[string]struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue queues unread message ids for marking. Ids already queued or
// already attempted are skipped, so a redelivered snapshot produces no
// duplicate updates. Never blocks the caller.
func (w *readReceiptWorker) enqueue(ids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		if _, dup := w.seen[id]; dup {
			continue
		}
		select {
		case w.queue <- id:
			w.seen[id] = struct{}{}
		default:
			log.Printf("chat: read-receipt queue full, dropping %s", id)
		}
	}
}

func (w *readReceiptWorker) stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *readReceiptWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.markRead(id)
		}
	}
}

func (w *readReceiptWorker) markRead(id string) {
	err := w.markReadOnce(id)
	if err == nil || errors.Is(err, store.ErrNotFound) || w.ctx.Err() != nil {
		return
	}
	if err = w.markReadOnce(id); err != nil {
		log.Printf("chat: abandoning read receipt for %s: %v", id, err)
	}
}

func (w *readReceiptWorker) markReadOnce(id string) error {
	ctx, cancel := context.WithTimeout(w.ctx, receiptCallTimeout)
	defer cancel()
	return w.store.MarkRead(ctx, id)
}
