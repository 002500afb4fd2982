// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lively

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A Queue is a gate for outbound messages. Messages sent to a queue are held
// until sending is enabled, and then transmitted in the order they were
// queued. Once enabled, messages are transmitted immediately until the queue
// is disabled again.
//
// A zero Queue is not ready for use; call NewQueue. The methods of a Queue
// are safe for concurrent use by multiple goroutines.
type Queue struct {
	sink func(*Message) error

	μ       sync.Mutex
	permit  bool
	backlog *queue.Queue[*Message]
}

// NewQueue constructs a new disabled queue that transmits messages by calling
// sink.
func NewQueue(sink func(*Message) error) *Queue {
	return &Queue{sink: sink, backlog: queue.New[*Message]()}
}

// Send transmits msg immediately if q is enabled, and reports the result from
// the sink. Otherwise, msg is added to the backlog and Send returns nil.
//
// The queue takes ownership of msg; the caller must not modify it after Send
// returns.
func (q *Queue) Send(msg *Message) error {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.permit {
		return q.sink(msg)
	}
	q.backlog.Add(msg)
	liveMetrics.queued.Add(1)
	return nil
}

// Enable permits q to send, and transmits all backlogged messages in the order
// they were queued.
//
// If the sink reports an error while draining the backlog, the message that
// failed and all those after it remain queued, q is disabled, and Enable
// reports the error from the sink.
func (q *Queue) Enable() error {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.permit = true
	for {
		next, ok := q.backlog.Peek(0)
		if !ok {
			return nil
		}
		if err := q.sink(next); err != nil {
			q.permit = false
			return err
		}
		q.backlog.Pop()
		liveMetrics.queued.Add(-1)
	}
}

// Disable makes q buffer all subsequent messages until Enable is called.
// It does not affect messages already in the backlog.
func (q *Queue) Disable() {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.permit = false
}

// SetTarget sets the target of every message currently in the backlog to id.
// Messages already transmitted are not affected.
func (q *Queue) SetTarget(id string) {
	q.μ.Lock()
	defer q.μ.Unlock()
	for i := range q.backlog.Len() {
		msg, _ := q.backlog.Peek(i)
		msg.Target = id
	}
}

// Ready reports whether q is currently enabled.
func (q *Queue) Ready() bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.permit
}

// Len reports the number of messages in the backlog.
func (q *Queue) Len() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.backlog.Len()
}
