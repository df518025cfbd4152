package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochBus_BumpNotifiesListeners(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	var got []uint64
	bus.Subscribe(func(epoch uint64) { got = append(got, epoch) })

	assert.Equal(t, uint64(1), bus.Bump())
	assert.Equal(t, uint64(2), bus.Bump())
	assert.Equal(t, []uint64{1, 2}, got)
	assert.Equal(t, uint64(2), bus.Current())
}

func TestEpochBus_Unsubscribe(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	calls := 0
	unsubscribe := bus.Subscribe(func(uint64) { calls++ })
	bus.Bump()
	unsubscribe()
	unsubscribe()
	bus.Bump()

	assert.Equal(t, 1, calls)
}

func TestEpochBus_PanickingListenerDoesNotStopOthers(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	reached := false
	bus.Subscribe(func(uint64) { panic("boom") })
	bus.Subscribe(func(uint64) { reached = true })

	require.NotPanics(t, func() { bus.Bump() })
	assert.True(t, reached)
}

func TestEpochBus_ListenersRegisteredDuringBumpWaitForNextBump(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	var late []uint64
	bus.Subscribe(func(uint64) {
		bus.Subscribe(func(epoch uint64) { late = append(late, epoch) })
	})

	bus.Bump()
	assert.Empty(t, late)

	bus.Bump()
	assert.Equal(t, []uint64{2}, late)
}

func TestEpochBus_ReentrantBump(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	var seen []uint64
	bus.Subscribe(func(epoch uint64) {
		seen = append(seen, epoch)
		if epoch == 1 {
			bus.Bump()
		}
	})

	bus.Bump()
	assert.Equal(t, []uint64{1, 2}, seen)
	assert.Equal(t, uint64(2), bus.Current())
}

func TestEpochBus_BumpsAreObservedInOrder(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	last := uint64(0)
	monotonic := true
	bus.Subscribe(func(epoch uint64) {
		if epoch <= last {
			monotonic = false
		}
		last = epoch
	})
	for i := 0; i < 50; i++ {
		bus.Bump()
	}

	assert.True(t, monotonic)
	assert.Equal(t, uint64(50), last)
}

func TestEpochBus_Reset(t *testing.T) {
	bus := NewEpochBus(nil, nil)

	calls := 0
	bus.Subscribe(func(uint64) { calls++ })
	bus.Bump()
	bus.Reset()

	assert.Equal(t, uint64(0), bus.Current())
	bus.Bump()
	assert.Equal(t, 1, calls)
}
