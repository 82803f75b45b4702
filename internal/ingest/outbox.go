package ingest

import "sync"

// Reply is a message the bot posts back to the platform.
type Reply struct {
	// ParentID is the message being answered.
	ParentID int64
	Text     string
}

// outbox is a FIFO of replies queued while a cycle parses.
// Replies are flushed after the parse loop so platform latency never
// holds up state changes.
type outbox struct {
	mu      sync.Mutex
	replies []Reply
}

func newOutbox() *outbox {
	return &outbox{replies: make([]Reply, 0, 16)}
}

// Enqueue adds a reply to the back of the queue.
func (o *outbox) Enqueue(r Reply) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replies = append(o.replies, r)
}

// Drain removes and returns every queued reply in enqueue order.
func (o *outbox) Drain() []Reply {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := o.replies
	o.replies = make([]Reply, 0, cap(out))
	return out
}

// Len returns the number of queued replies.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.replies)
}
