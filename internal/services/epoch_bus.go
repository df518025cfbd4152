package services

import (
	"fmt"
	"sync"

	"github.com/you/crewsync/internal/logger"
	"github.com/you/crewsync/internal/metrics"
)

type epochListener struct {
	id uint64
	fn func(epoch uint64)
}

// EpochBus broadcasts "the authenticated identity changed" to decoupled listeners.
// One instance is constructed at process start and injected where needed.
type EpochBus struct {
	mu        sync.Mutex
	epoch     uint64
	nextID    uint64
	listeners []epochListener
	logger    logger.Logger
	metrics   *metrics.Metrics
}

// NewEpochBus creates a bus starting at epoch 0
func NewEpochBus(log logger.Logger, m *metrics.Metrics) *EpochBus {
	if log == nil {
		log = logger.NewNop()
	}
	return &EpochBus{logger: log.With("component", "epoch_bus"), metrics: m}
}

// Bump increments the epoch and synchronously notifies every listener that was
// registered when the call started. Listener panics are recovered and logged.
// Bump may be called again from inside a listener.
func (b *EpochBus) Bump() uint64 {
	b.mu.Lock()
	b.epoch++
	current := b.epoch
	snapshot := make([]epochListener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EpochBumps.Inc()
	}
	b.logger.Debug("session epoch bumped", "epoch", current, "listeners", len(snapshot))

	for _, l := range snapshot {
		b.invoke(l, current)
	}
	return current
}

func (b *EpochBus) invoke(l epochListener, epoch uint64) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("epoch listener panicked", "listener", l.id, "epoch", epoch, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(epoch)
}

// Current returns the current epoch
func (b *EpochBus) Current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *EpochBus) Subscribe(fn func(epoch uint64)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, epochListener{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Reset drops all listeners and returns the epoch to 0
func (b *EpochBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch = 0
	b.listeners = nil
}
