package realtime

import (
	"context"
	"sync"
)

// LocalBroker is an in-process Broker for single-instance deployments.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[chan Event]struct{})}
}

func (b *LocalBroker) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{event.CommitteeID, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- event:
			default:
			}
		}
		if event.CommitteeID == "" {
			break
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, committeeID string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if b.subs[committeeID] == nil {
		b.subs[committeeID] = make(map[chan Event]struct{})
	}
	b.subs[committeeID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(committeeID, ch)
	}()
	return ch, nil
}

func (b *LocalBroker) remove(committeeID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[committeeID][ch]; !ok {
		return
	}
	delete(b.subs[committeeID], ch)
	if len(b.subs[committeeID]) == 0 {
		delete(b.subs, committeeID)
	}
	close(ch)
}

// Close ends every subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, key)
	}
	b.closed = true
	return nil
}
