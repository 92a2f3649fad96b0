package coordination

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier pushes "work is ready for role" wakeups to dispatchers. Delivery
// is best effort; dispatchers also poll.
type Notifier interface {
	Notify(ctx context.Context, role string) error
	// Subscribe returns a channel of role names. The role "" means any role.
	// Call the returned cancel func to unsubscribe.
	Subscribe(ctx context.Context) (<-chan string, func(), error)
}

// subBuffer is the per-subscriber buffer. Wakeups coalesce when full.
const subBuffer = 16

// LocalNotifier fans wakeups out to in-process subscribers.
type LocalNotifier struct {
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
}

// NewLocalNotifier creates a LocalNotifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[int]chan string)}
}

func (n *LocalNotifier) Notify(_ context.Context, role string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- role:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context) (<-chan string, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan string, subBuffer)
	n.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			close(ch)
			n.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// RedisNotifier publishes wakeups on ReadyChannel so dispatchers in every
// process hear them.
type RedisNotifier struct {
	rdb redis.UniversalClient
}

// NewRedisNotifier creates a RedisNotifier.
func NewRedisNotifier(rdb redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, role string) error {
	return n.rdb.Publish(ctx, ReadyChannel, role).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan string, func(), error) {
	pubsub := n.rdb.Subscribe(ctx, ReadyChannel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan string, subBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}
