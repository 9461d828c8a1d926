package session

import (
	"context"
	"sync"
)

// queue serializes work per key in arrival order. Each ticket waits for the
// ticket issued just before it on the same key.
type queue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newQueue() *queue {
	return &queue{tails: make(map[string]chan struct{})}
}

type ticket struct {
	q    *queue
	key  string
	prev chan struct{}
	mine chan struct{}
	once sync.Once
}

// take issues the next ticket for key.
func (q *queue) take(key string) *ticket {
	t := &ticket{q: q, key: key, mine: make(chan struct{})}

	q.mu.Lock()
	t.prev = q.tails[key]
	q.tails[key] = t.mine
	q.mu.Unlock()

	return t
}

// wait blocks until every earlier ticket was released. When ctx ends first
// the ticket releases itself as soon as its predecessor does, so later
// tickets keep their order.
func (t *ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}

	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			t.release()
		}()
		return ctx.Err()
	}
}

func (t *ticket) release() {
	t.once.Do(func() {
		close(t.mine)

		t.q.mu.Lock()
		if t.q.tails[t.key] == t.mine {
			delete(t.q.tails, t.key)
		}
		t.q.mu.Unlock()
	})
}

// acquire takes a ticket and waits for its turn. The returned function
// releases it.
func (q *queue) acquire(ctx context.Context, key string) (func(), error) {
	t := q.take(key)
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.release, nil
}
