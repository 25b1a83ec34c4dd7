package relay

import (
	"strings"
	"sync"

	"github.com/ap-development/medrelay/internal/transport"
)

// chatQueue is one chat's pending inbound messages in arrival order, with a
// flag marking whether a worker is currently draining it. The daemon holds
// one per chat with traffic; the queue plus the distributed lock give the
// per-chat ordering guarantee — no worker pinning needed.
type chatQueue struct {
	pending []transport.Inbound
	active  bool
}

// queueSet owns all per-chat queues.
type queueSet struct {
	mu     sync.Mutex
	queues map[int64]*chatQueue
}

func newQueueSet() *queueSet {
	return &queueSet{queues: make(map[int64]*chatQueue)}
}

// push appends msg to its chat's queue. It returns true when the chat had no
// active worker, in which case the caller must start one; the queue is marked
// active before push returns so two callers cannot both start workers.
func (q *queueSet) push(msg transport.Inbound) (start bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.queues[msg.ChatID]
	if cq == nil {
		cq = &chatQueue{}
		q.queues[msg.ChatID] = cq
	}
	cq.pending = append(cq.pending, msg)
	if cq.active {
		return false
	}
	cq.active = true
	return true
}

// take removes and returns every pending message for the chat, oldest first.
// With the batch window enabled this coalesces a burst into one turn; without
// it the worker calls take once per message anyway because it drains as fast
// as messages arrive.
func (q *queueSet) take(chatID int64) []transport.Inbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.queues[chatID]
	if cq == nil || len(cq.pending) == 0 {
		return nil
	}
	msgs := cq.pending
	cq.pending = nil
	return msgs
}

// takeOne removes and returns the oldest pending message for the chat.
func (q *queueSet) takeOne(chatID int64) (transport.Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.queues[chatID]
	if cq == nil || len(cq.pending) == 0 {
		return transport.Inbound{}, false
	}
	msg := cq.pending[0]
	cq.pending = cq.pending[1:]
	return msg, true
}

// finish marks the chat's worker done. It returns false — leaving the queue
// active — when messages arrived after the worker's last take, so the caller
// keeps draining instead of stranding them.
func (q *queueSet) finish(chatID int64) (done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.queues[chatID]
	if cq == nil {
		return true
	}
	if len(cq.pending) > 0 {
		return false
	}
	cq.active = false
	delete(q.queues, chatID)
	return true
}

// combineInputs joins a coalesced batch into one turn input.
func combineInputs(msgs []transport.Inbound) string {
	if len(msgs) == 1 {
		return msgs[0].Text
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}
