package queue

import (
	"sync"
	"time"

	"github.com/seantiz/coderun/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Event describes one job state transition.
type Event struct {
	JobID    string      `json:"jobId"`
	State    model.State `json:"state"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
	At       time.Time   `json:"at"`
}

// Broker fans job events out to per-job subscribers. It is safe for
// concurrent use.
//
// Topics exist only while they have subscribers. A terminal event closes
// every subscriber channel and drops the topic, so callers that subscribe
// after a job finished must read its state from the store.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBroker creates an empty event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for jobID and an
// unsubscribe function. The channel is closed after the job's terminal event.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	id := t.nextID
	t.nextID++
	ch := make(chan Event, subscriberBufferSize)
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish delivers ev to the job's subscribers. Events are dropped for
// subscribers whose buffers are full. A terminal event closes the topic.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}

	if ev.State.Terminal() {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, ev.JobID)
	}
}

// Topics returns the number of jobs with at least one subscriber.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
