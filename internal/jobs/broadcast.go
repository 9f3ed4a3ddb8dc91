package jobs

import (
	"sync"
	"time"
)

// ItemEvent carries per-item playlist progress alongside a job event.
type ItemEvent struct {
	Index    int        `json:"index"`
	Total    int        `json:"total"`
	Title    string     `json:"title"`
	Status   ItemStatus `json:"status"`
	Progress int        `json:"progress"`
}

// Event is one outward notification of a job state change.
type Event struct {
	JobID     string     `json:"job_id"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	Title     string     `json:"title,omitempty"`
	Error     string     `json:"error,omitempty"`
	Item      *ItemEvent `json:"item,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

const subscriberBuffer = 64

type subscriber struct {
	jobID string // empty subscribes to all jobs
	ch    chan Event
}

// Broadcaster fans job events out to subscribers of one job or of the
// whole queue. Delivery is at-most-once: a subscriber that cannot keep up
// loses events, and recovers full state by re-reading the store.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers for events of one job id, or of every job when
// jobID is empty. The returned cancel func must be called when done.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscriber{
		jobID: jobID,
		ch:    make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to matching subscribers without blocking.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != event.JobID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop, the next event supersedes this one.
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
