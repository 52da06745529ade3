// Package console fans out server console output to any number of readers.
package console

import (
	"regexp"
	"sync"
	"sync/atomic"
)

const (
	DefaultBacklog    = 100
	DefaultBufferSize = 256
)

// Broadcaster delivers console lines to subscribers. Publish never blocks:
// a subscriber that does not keep up loses its oldest queued lines.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	backlog []string
	next    int
	filled  bool
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

// Subscription is one reader of a Broadcaster.
type Subscription struct {
	ch      chan string
	b       *Broadcaster
	once    sync.Once
	dropped atomic.Uint64
}

// NewBroadcaster keeps the last backlog lines for late subscribers and gives
// each subscriber a queue of bufSize lines. Non-positive sizes use defaults.
func NewBroadcaster(backlog, bufSize int) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		backlog: make([]string, backlog),
		bufSize: bufSize,
	}
}

// Publish records line in the backlog and queues it for every subscriber.
func (b *Broadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.backlog[b.next] = line
	b.next = (b.next + 1) % len(b.backlog)
	if b.next == 0 {
		b.filled = true
	}

	for s := range b.subs {
		s.push(line)
	}
}

// push must be called with b.mu held, so it is the only sender on s.ch.
func (s *Subscription) push(line string) {
	select {
	case s.ch <- line:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
		s.b.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- line:
	default:
		s.dropped.Add(1)
		s.b.dropped.Add(1)
	}
}

// Backlog returns the retained lines, oldest first.
func (b *Broadcaster) Backlog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backlogLocked()
}

func (b *Broadcaster) backlogLocked() []string {
	if !b.filled {
		out := make([]string, b.next)
		copy(out, b.backlog[:b.next])
		return out
	}
	out := make([]string, 0, len(b.backlog))
	out = append(out, b.backlog[b.next:]...)
	out = append(out, b.backlog[:b.next]...)
	return out
}

// Subscribe registers a reader. The backlog is queued first. Subscribing to a
// closed broadcaster returns an already closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan string, b.bufSize), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	for _, line := range b.backlogLocked() {
		s.push(line)
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of attached readers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of lines lost across all subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close detaches and closes every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// Lines is closed when the subscription or the broadcaster is closed.
func (s *Subscription) Lines() <-chan string { return s.ch }

// Dropped returns the number of lines this subscriber lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s)
	s.once.Do(func() { close(s.ch) })
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal colour and cursor escapes.
func StripANSI(s string) string {
	return ansi.ReplaceAllString(s, "")
}
