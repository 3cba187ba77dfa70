package webhook

import (
	"context"
	"errors"
)

var ErrQueueFull = errors.New("webhook queue full")

// Delivery is one rendered notification waiting to be sent.
type Delivery struct {
	Recipient Recipient
	Event     EventType
	Body      []byte
}

// Queue decouples Notify from delivery. ChanQueue is the in-process
// implementation; a durable outbox can satisfy the same interface.
type Queue interface {
	// Enqueue must not block.
	Enqueue(ctx context.Context, d Delivery) error
	// Dequeue blocks until a delivery is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
}

type ChanQueue struct {
	ch chan Delivery
}

func NewChanQueue(size int) *ChanQueue {
	if size < 1 {
		size = 1
	}
	return &ChanQueue{ch: make(chan Delivery, size)}
}

func (q *ChanQueue) Enqueue(ctx context.Context, d Delivery) error {
	select {
	case q.ch <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *ChanQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *ChanQueue) Len() int {
	return len(q.ch)
}
