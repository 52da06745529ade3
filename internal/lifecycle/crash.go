package lifecycle

import (
	"sync"
	"time"
)

// CrashPolicy решает, перезапускать ли мир после падения.
type CrashPolicy interface {
	ShouldRestart(worldID string, at time.Time) bool
	// Forget сбрасывает историю падений мира (после удаления).
	Forget(worldID string)
}

// NeverRestart оставляет упавший мир в состоянии crashed.
type NeverRestart struct{}

func (NeverRestart) ShouldRestart(string, time.Time) bool { return false }
func (NeverRestart) Forget(string)                        {}

// BoundedRestart разрешает не более MaxAttempts перезапусков за Window.
type BoundedRestart struct {
	MaxAttempts int
	Window      time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewBoundedRestart создаёт политику с ограничением перезапусков.
func NewBoundedRestart(maxAttempts int, window time.Duration) *BoundedRestart {
	return &BoundedRestart{MaxAttempts: maxAttempts, Window: window}
}

func (b *BoundedRestart) ShouldRestart(worldID string, at time.Time) bool {
	if b.MaxAttempts <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.history == nil {
		b.history = make(map[string][]time.Time)
	}

	recent := b.history[worldID][:0]
	for _, t := range b.history[worldID] {
		if b.Window <= 0 || at.Sub(t) < b.Window {
			recent = append(recent, t)
		}
	}
	if len(recent) >= b.MaxAttempts {
		b.history[worldID] = recent
		return false
	}
	b.history[worldID] = append(recent, at)
	return true
}

func (b *BoundedRestart) Forget(worldID string) {
	b.mu.Lock()
	delete(b.history, worldID)
	b.mu.Unlock()
}
