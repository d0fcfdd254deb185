// Package signal carries push control messages from the engine to workers.
package signal

import (
	"context"
	"errors"
	"sync"
)

// Kind names a control message.
type Kind string

const (
	Pause   Kind = "pause"
	Resume  Kind = "resume"
	Kill    Kind = "kill"
	Preempt Kind = "preempt"
	Wake    Kind = "wake"
	Stop    Kind = "stop"
	Abort   Kind = "abort"
)

// Signal is one control message addressed to a worker.
type Signal struct {
	Kind   Kind   `json:"kind"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Bus delivers signals to workers by id.
type Bus interface {
	// Publish sends sig to every subscriber of workerID. Publishing to a
	// worker with no subscriber is not an error.
	Publish(ctx context.Context, workerID string, sig Signal) error
	// Subscribe returns the worker's signal channel and a cancel func.
	Subscribe(ctx context.Context, workerID string) (<-chan Signal, func(), error)
	Close() error
}

const bufferSize = 64

// ErrClosed is returned after the bus has been closed.
var ErrClosed = errors.New("signal bus closed")

// Broadcast publishes sig to each worker and joins the failures.
func Broadcast(ctx context.Context, b Bus, workerIDs []string, sig Signal) error {
	var errs []error
	for _, id := range workerIDs {
		if err := b.Publish(ctx, id, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalBus is an in-process Bus.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Signal
	seq    int
	closed bool
	// Dropped counts signals discarded because a subscriber's buffer was full.
	Dropped int
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]chan Signal)}
}

// Publish never blocks; a full subscriber buffer drops the signal.
func (b *LocalBus) Publish(_ context.Context, workerID string, sig Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[workerID] {
		select {
		case ch <- sig:
		default:
			b.Dropped++
		}
	}
	return nil
}

// Subscribe registers a buffered channel for workerID. The channel is closed
// by the returned cancel func, by ctx ending, or by Close.
func (b *LocalBus) Subscribe(ctx context.Context, workerID string) (<-chan Signal, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	b.seq++
	id := b.seq
	ch := make(chan Signal, bufferSize)
	if b.subs[workerID] == nil {
		b.subs[workerID] = make(map[int]chan Signal)
	}
	b.subs[workerID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[workerID]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(b.subs, workerID)
				}
			}
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// Close closes every subscriber channel.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string]map[int]chan Signal)
	return nil
}
