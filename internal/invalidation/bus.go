// Package invalidation implements the Invalidation Bus (C14): a
// Redis-backed publish/subscribe channel that tells every running instance
// when an action bundle or the whole store needs to be reloaded. It carries
// no payload beyond an action name — the bundle store itself re-reads from
// disk or S3 once notified.
package invalidation

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channel = "titan:bundle:invalidate"

// All is the payload published when every action should be invalidated,
// e.g. on a full redeploy.
const All = "*"

// Bus publishes and receives invalidation signals across every instance
// sharing the same Redis deployment.
type Bus struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []chan string
	closed bool
}

// New wraps an existing Redis client. The client's lifecycle is owned by
// the caller; Close only stops this Bus's own subscriptions.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish broadcasts that action (or All) should be invalidated.
func (b *Bus) Publish(ctx context.Context, action string) error {
	return b.client.Publish(ctx, channel, action).Err()
}

// Subscribe returns a channel of invalidated action names. The channel is
// closed when ctx is cancelled or the Bus is closed.
func (b *Bus) Subscribe(ctx context.Context) <-chan string {
	ch := make(chan string, 8)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(subCtx, channel)

	go func() {
		defer cancel()
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				b.removeSub(ch)
				return
			case msg, ok := <-msgCh:
				if !ok {
					b.removeSub(ch)
					return
				}
				select {
				case ch <- msg.Payload:
				default:
					// Slow consumer: drop rather than block the PubSub
					// reader, matching the notifier's non-blocking policy.
				}
			}
		}
	}()

	return ch
}

// Close tears down every outstanding subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}

func (b *Bus) removeSub(target chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			break
		}
	}
}
