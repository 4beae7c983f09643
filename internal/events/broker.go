// Package events fans task progress out to subscribers
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// AllTasks subscribes to events of every task
const AllTasks = "*"

// Subscription receives events on C until Close is called
type Subscription struct {
	C <-chan models.TaskEvent

	ch     chan models.TaskEvent
	taskID string
	broker *Broker
	once   sync.Once
}

// Close detaches the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

// Broker is an in-memory publish/subscribe hub keyed by task id
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	log    *zap.Logger
	now    func() time.Time
}

// NewBroker creates a broker whose subscriptions buffer up to buffer events
func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    logger,
		now:    time.Now,
	}
}

// Subscribe returns a subscription for taskID, or for every task when taskID is AllTasks
func (b *Broker) Subscribe(taskID string) *Subscription {
	ch := make(chan models.TaskEvent, b.buffer)
	sub := &Subscription{C: ch, ch: ch, taskID: taskID, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[*Subscription]struct{})
	}
	b.subs[taskID][sub] = struct{}{}
	return sub
}

// Publish delivers ev to the task's subscribers and to wildcard subscribers.
// It never blocks: a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(ev models.TaskEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, key := range []string{ev.TaskID, AllTasks} {
		for sub := range b.subs[key] {
			select {
			case sub.ch <- ev:
			default:
				b.log.Warn("dropping event for slow subscriber",
					zap.String("task", ev.TaskID), zap.String("type", string(ev.Type)))
			}
		}
	}
}

// Subscribers counts live subscriptions for taskID
func (b *Broker) Subscribers(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}

// Close ends every subscription
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[s.taskID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.taskID)
	}
	close(s.ch)
}
