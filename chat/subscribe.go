package chat

import (
	"context"
	"log"

	"github.com/cenkalti/backoff/v4"

	"github.com/Bwesun/Chat/faults"
	"github.com/Bwesun/Chat/store"
)

// subscribeRetry establishes a live query, retrying with exponential
// backoff until ctx is canceled. The first failure is surfaced through
// fault so the owning screen can show a retryable state; later attempts
// only log. accept receives the subscription once established.
func subscribeRetry(ctx context.Context, st store.MessageStore, q store.Query, fn func(store.Snapshot), accept func(store.Subscription), fault func(error)) {
	sub, err := st.Subscribe(q, fn)
	if err == nil {
		accept(sub)
		return
	}
	if fault != nil {
		fault(faults.Wrap(faults.CodeSubscription, "subscribe message query", err))
	}

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0

		op := func() error {
			sub, err := st.Subscribe(q, fn)
			if err != nil {
				log.Printf("chat: resubscribe failed, will retry: %v", err)
				return err
			}
			accept(sub)
			return nil
		}
		_ = backoff.Retry(op, backoff.WithContext(bo, ctx))
	}()
}
