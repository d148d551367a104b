package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
	block  chan struct{}
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) got() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestDispatcherDeliversInOrderToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	d := NewDispatcher(nil, a, b)
	for i := 0; i < 3; i++ {
		d.Emit(Event{Type: EventStart, OccurredAt: time.Now(), Record: Record{Name: "p", Run: uint64(i + 1)}})
	}
	require.NoError(t, d.Close(context.Background()))

	ev := a.got()
	require.Len(t, ev, 3)
	for i, e := range ev {
		assert.Equal(t, uint64(i+1), e.Record.Run)
	}
	assert.True(t, a.closed)
	assert.True(t, b.closed, "failing sinks are still closed")
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	d := NewDispatcher(nil, s)
	for i := 0; i < DefaultQueue+10; i++ {
		d.Emit(Event{Type: EventExit})
	}
	assert.Greater(t, d.Dropped(), uint64(0))
	close(s.block)
	require.NoError(t, d.Close(context.Background()))
}

func TestNilAndEmptyDispatcher(t *testing.T) {
	var d *Dispatcher
	d.Emit(Event{})
	require.NoError(t, d.Close(context.Background()))

	e := NewDispatcher(nil)
	e.Emit(Event{})
	assert.Equal(t, uint64(0), e.Dropped())
	require.NoError(t, e.Close(context.Background()))
}
