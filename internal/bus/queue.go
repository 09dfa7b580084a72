package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one in-flight delivery handed to a consumer by Receive. The
// ReceiptHandle is opaque and must be passed back to Delete to ack it.
type Message struct {
	ReceiptHandle string
	Body          []byte
}

// inFlight tracks a message that has been handed out by Receive but not yet
// deleted. visibleAt governs redelivery: once now() passes visibleAt without
// a Delete, the message becomes eligible to be handed out again.
type inFlight struct {
	body      []byte
	visibleAt time.Time
}

// Queue is a bounded, concurrency-safe message queue supporting long-poll
// receive, receipt-handle acknowledgement, and visibility-timeout-based
// redelivery. It is built on a mutex-plus-map shape like the one the
// connected-agent registry in the teacher codebase uses for its in-memory
// concurrent-safe state (a plain sync.Mutex here), generalized here from "one entry per connected
// agent" to "one entry per in-flight message".
type Queue struct {
	mu       sync.Mutex
	pending  chan []byte
	inFlight map[string]inFlight
	notify   chan struct{}
}

// newQueue creates a Queue with the given buffer capacity.
func newQueue(capacity int) *Queue {
	return &Queue{
		pending:  make(chan []byte, capacity),
		inFlight: make(map[string]inFlight),
		notify:   make(chan struct{}, 1),
	}
}

// enqueue adds a message body to the queue. Used internally by topic
// fan-out and by requeueExpired for redelivery.
func (q *Queue) enqueue(body []byte) bool {
	select {
	case q.pending <- body:
		return true
	default:
		return false
	}
}

// Receive long-polls for up to maxWait for at least one message, returning
// immediately once any are available. Each returned message is held
// in-flight for visibilityTimeout; if it is not Deleted before that elapses
// it becomes available for redelivery to another Receive call.
func (q *Queue) Receive(ctx context.Context, maxWait, visibilityTimeout time.Duration) ([]Message, error) {
	q.requeueExpired()

	select {
	case body := <-q.pending:
		return []Message{q.handOut(body, visibilityTimeout)}, nil
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case body := <-q.pending:
		return []Message{q.handOut(body, visibilityTimeout)}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handOut assigns a fresh receipt handle to body and records it as
// in-flight until visibilityTimeout elapses.
func (q *Queue) handOut(body []byte, visibilityTimeout time.Duration) Message {
	handle := uuid.NewString()

	q.mu.Lock()
	q.inFlight[handle] = inFlight{body: body, visibleAt: time.Now().Add(visibilityTimeout)}
	q.mu.Unlock()

	return Message{ReceiptHandle: handle, Body: body}
}

// Delete acknowledges a message, permanently removing it from in-flight
// tracking. Deleting an unknown or already-expired handle is a no-op — ack
// is idempotent by design, since at-least-once delivery means a duplicate
// ack is a normal occurrence, not an error.
func (q *Queue) Delete(receiptHandle string) {
	q.mu.Lock()
	delete(q.inFlight, receiptHandle)
	q.mu.Unlock()
}

// requeueExpired moves any in-flight message whose visibility timeout has
// elapsed back onto the pending channel for redelivery.
func (q *Queue) requeueExpired() {
	now := time.Now()

	q.mu.Lock()
	var expired [][]byte
	for handle, msg := range q.inFlight {
		if now.After(msg.visibleAt) {
			expired = append(expired, msg.body)
			delete(q.inFlight, handle)
		}
	}
	q.mu.Unlock()

	for _, body := range expired {
		q.enqueue(body)
	}
}
