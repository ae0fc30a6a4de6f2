// Package batcher groups items and hands them to a flush function by size or age.
package batcher

import (
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("batcher: closed")

// Batcher collects items and flushes them based on size or time thresholds.
// Flushes never overlap, so the flush function sees batches in Add order.
type Batcher[T any] struct {
	mu        sync.Mutex
	flushMu   sync.Mutex
	buffer    []T
	maxSize   int
	interval  time.Duration
	flushFn   func([]T) error
	onError   func(err error, size int)
	stop      chan struct{}
	closeOnce sync.Once
	closed    bool
	wg        sync.WaitGroup
	lastError error
}

type Option[T any] func(*Batcher[T])

// WithErrorHandler is called for every failed background flush.
func WithErrorHandler[T any](fn func(err error, size int)) Option[T] {
	return func(b *Batcher[T]) { b.onError = fn }
}

// New creates a batcher and starts its ticker.
func New[T any](maxSize int, interval time.Duration, flushFn func([]T) error, opts ...Option[T]) *Batcher[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	b := &Batcher[T]{
		maxSize:  maxSize,
		interval: interval,
		flushFn:  flushFn,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Add queues an item. Reaching the size threshold flushes synchronously.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.buffer = append(b.buffer, item)
	full := len(b.buffer) >= b.maxSize
	b.mu.Unlock()
	if full {
		return b.Flush()
	}
	return nil
}

// Len reports how many items are waiting.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Flush forces a flush of the accumulated items.
func (b *Batcher[T]) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	batch := b.detach()
	b.mu.Unlock()
	return b.runFlush(batch)
}

// Close stops the ticker and flushes what is left. Later calls are no-ops.
func (b *Batcher[T]) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stop)
		b.wg.Wait()
		err = b.Flush()
	})
	return err
}

// LastError returns the last flush error encountered by the background ticker.
func (b *Batcher[T]) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *Batcher[T]) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			size := b.Len()
			if err := b.Flush(); err != nil {
				b.mu.Lock()
				b.lastError = err
				b.mu.Unlock()
				if b.onError != nil {
					b.onError(err, size)
				}
			}
		case <-b.stop:
			return
		}
	}
}

func (b *Batcher[T]) detach() []T {
	if len(b.buffer) == 0 {
		return nil
	}
	batch := make([]T, len(b.buffer))
	copy(batch, b.buffer)
	b.buffer = b.buffer[:0]
	return batch
}

func (b *Batcher[T]) runFlush(batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	if b.flushFn == nil {
		return errors.New("batcher: no flush function configured")
	}
	return b.flushFn(batch)
}
