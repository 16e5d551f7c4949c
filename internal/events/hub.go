package events

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// TopicAll receives every value published on the hub regardless of topic.
const TopicAll = "*"

// OverflowPolicy decides what a full consumer queue does with a new value.
type OverflowPolicy int

const (
	// OverflowDropOldest evicts the oldest queued value; the publisher never waits.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowBlock makes the publisher wait until the consumer has room.
	OverflowBlock
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop_oldest"
	case OverflowBlock:
		return "block"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseOverflowPolicy accepts "drop_oldest" (or empty) and "block".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return OverflowDropOldest, nil
	case "block":
		return OverflowBlock, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// Hub fans values out to per-topic consumers. Every consumer owns a bounded
// queue so a slow reader only affects itself.
type Hub[T any] struct {
	mu       sync.RWMutex
	subs     map[string][]*Consumer[T]
	capacity int
	policy   OverflowPolicy
	closed   bool
	dropped  atomic.Int64
}

// NewHub creates a hub whose consumers buffer up to capacity values.
func NewHub[T any](capacity int, policy OverflowPolicy) *Hub[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Hub[T]{
		subs:     make(map[string][]*Consumer[T]),
		capacity: capacity,
		policy:   policy,
	}
}

// Subscribe registers a new consumer for topic. On a closed hub the
// returned consumer is already closed.
func (h *Hub[T]) Subscribe(topic string) *Consumer[T] {
	c := newConsumer[T](h.capacity, h.policy)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.Close()
		return c
	}
	h.subs[topic] = append(h.subs[topic], c)
	return c
}

// Unsubscribe removes c from topic and closes it.
func (h *Hub[T]) Unsubscribe(topic string, c *Consumer[T]) {
	h.mu.Lock()
	subs := h.subs[topic]
	for i, s := range subs {
		if s == c {
			h.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
	h.mu.Unlock()
	c.Close()
}

// Publish delivers v to every consumer of topic and of TopicAll and returns
// how many accepted it.
func (h *Hub[T]) Publish(topic string, v T) int {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	targets := make([]*Consumer[T], 0, len(h.subs[topic])+len(h.subs[TopicAll]))
	targets = append(targets, h.subs[topic]...)
	if topic != TopicAll {
		targets = append(targets, h.subs[TopicAll]...)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		ok, evicted := c.push(v)
		if evicted {
			h.dropped.Add(1)
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

// Dropped is the number of values evicted from full queues since start.
func (h *Hub[T]) Dropped() int64 { return h.dropped.Load() }

// Topics returns the number of consumers per topic.
func (h *Hub[T]) Topics() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.subs))
	for topic, subs := range h.subs {
		out[topic] = len(subs)
	}
	return out
}

// Close closes every consumer; later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string][]*Consumer[T])
	h.mu.Unlock()

	for _, list := range subs {
		for _, c := range list {
			c.Close()
		}
	}
}

// Consumer is one subscriber's bounded ring buffer.
type Consumer[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []T
	head     int
	tail     int
	size     int
	closed   bool
	policy   OverflowPolicy
	dropped  uint64
}

func newConsumer[T any](capacity int, policy OverflowPolicy) *Consumer[T] {
	c := &Consumer[T]{
		buf:    make([]T, capacity),
		policy: policy,
	}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	return c
}

func (c *Consumer[T]) push(v T) (ok, evicted bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return false, evicted
		}
		if c.size < len(c.buf) {
			c.buf[c.tail] = v
			c.tail = (c.tail + 1) % len(c.buf)
			c.size++
			c.notEmpty.Signal()
			return true, evicted
		}
		switch c.policy {
		case OverflowBlock:
			c.notFull.Wait()
		default:
			c.buf[c.head] = zero
			c.head = (c.head + 1) % len(c.buf)
			c.size--
			c.dropped++
			evicted = true
		}
	}
}

// Next blocks until a value is available. ok is false once the consumer is closed.
func (c *Consumer[T]) Next() (v T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.size > 0 {
			v = c.buf[c.head]
			var zero T
			c.buf[c.head] = zero
			c.head = (c.head + 1) % len(c.buf)
			c.size--
			c.notFull.Signal()
			return v, true
		}
		if c.closed {
			return v, false
		}
		c.notEmpty.Wait()
	}
}

// Close wakes every waiter and discards pending values.
func (c *Consumer[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	var zero T
	for i := range c.buf {
		c.buf[i] = zero
	}
	c.size, c.head, c.tail = 0, 0, 0
	c.notEmpty.Broadcast()
	c.notFull.Broadcast()
}

func (c *Consumer[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Dropped counts values this consumer lost to OverflowDropOldest.
func (c *Consumer[T]) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
