package session

// messageQueue is an ordered, unbounded FIFO of messages. It has no lock of
// its own; the owning Session's mutex guards it.
type messageQueue struct {
	items []Message
}

func (q *messageQueue) push(m Message) {
	q.items = append(q.items, m)
}

// drain returns all queued messages in insertion order and empties the queue.
// The returned slice is never reused by the queue.
func (q *messageQueue) drain() []Message {
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *messageQueue) reset() {
	q.items = nil
}

func (q *messageQueue) len() int {
	return len(q.items)
}
