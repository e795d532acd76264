// ABOUTME: Tests for the event channel
// ABOUTME: Covers ordering, dropping without a listener, re-entrancy, callbacks and draining on close

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/idenmobile/internal/store"
)

// memLog is a fixed event log.
type memLog struct{ events []*store.Event }

func (m *memLog) ListEvents(ctx context.Context) ([]*store.Event, error) { return m.events, nil }

// recorder collects delivered events.
type recorder struct {
	mu   sync.Mutex
	seqs []int64
}

func (r *recorder) OnEvent(ev *store.Event) {
	r.mu.Lock()
	r.seqs = append(r.seqs, ev.Seq)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seqs...)
}

func TestChannel_OrderedDelivery(t *testing.T) {
	c := New(&memLog{}, nil)
	rec := &recorder{}
	c.SetListener(rec)

	for i := int64(1); i <= 100; i++ {
		c.Publish(&store.Event{Seq: i}, nil)
	}
	c.Close()

	got := rec.snapshot()
	require.Len(t, got, 100)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestChannel_NoListenerDrops(t *testing.T) {
	c := New(&memLog{}, nil)
	c.Publish(&store.Event{Seq: 1}, nil)

	rec := &recorder{}
	c.SetListener(rec)
	c.Publish(&store.Event{Seq: 2}, nil)
	c.Close()

	assert.Equal(t, []int64{2}, rec.snapshot(), "events published without a listener are not queued")
}

func TestChannel_ListenerMayReenter(t *testing.T) {
	c := New(&memLog{}, nil)

	done := make(chan struct{})
	var once sync.Once
	c.SetListener(ListenerFunc(func(ev *store.Event) {
		// Re-entering the channel from the listener must not deadlock.
		c.SetListener(nil)
		c.Publish(&store.Event{Seq: ev.Seq + 1}, nil)
		once.Do(func() { close(done) })
	}))

	c.Publish(&store.Event{Seq: 1}, nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener was not called")
	}
	c.Close()
}

func TestChannel_CallbackRunsAfterListener(t *testing.T) {
	c := New(&memLog{}, nil)

	var mu sync.Mutex
	var order []string
	c.SetListener(ListenerFunc(func(ev *store.Event) {
		mu.Lock()
		order = append(order, "listener")
		mu.Unlock()
	}))

	c.Publish(&store.Event{Seq: 1}, func() {
		mu.Lock()
		order = append(order, "callback")
		mu.Unlock()
	})
	c.Close()

	assert.Equal(t, []string{"listener", "callback"}, order)
}

func TestChannel_CallbackWithoutListener(t *testing.T) {
	c := New(&memLog{}, nil)

	called := make(chan struct{}, 1)
	c.Publish(&store.Event{Seq: 1}, func() { called <- struct{}{} })
	c.Go(func() { called <- struct{}{} })
	c.Close()

	assert.Len(t, called, 2)
}

func TestChannel_PanicDoesNotStopDispatcher(t *testing.T) {
	c := New(&memLog{}, nil)

	rec := &recorder{}
	c.SetListener(ListenerFunc(func(ev *store.Event) {
		if ev.Seq == 1 {
			panic("boom")
		}
		rec.OnEvent(ev)
	}))
	var ran bool
	c.Publish(&store.Event{Seq: 1}, func() { ran = true })
	c.Publish(&store.Event{Seq: 2}, nil)
	c.Close()

	assert.True(t, ran, "callback still runs after a listener panic")
	assert.Equal(t, []int64{2}, rec.snapshot())
}

func TestChannel_CloseIsIdempotentAndDropsLateEvents(t *testing.T) {
	c := New(&memLog{}, nil)
	rec := &recorder{}
	c.SetListener(rec)

	c.Close()
	c.Close()
	c.Publish(&store.Event{Seq: 1}, nil)
	c.Go(func() { t.Error("Go after Close must not run") })

	assert.Empty(t, rec.snapshot())
}

func TestChannel_List(t *testing.T) {
	log := &memLog{events: []*store.Event{{Seq: 1}, {Seq: 2}}}
	c := New(log, nil)
	defer c.Close()

	got, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestChannel_CloseFromListener(t *testing.T) {
	c := New(&memLog{}, nil)
	rec := &recorder{}

	release := make(chan struct{})
	closed := make(chan struct{})
	c.SetListener(ListenerFunc(func(ev *store.Event) {
		if ev.Seq == 1 {
			<-release
			c.Close()
			close(closed)
			return
		}
		rec.OnEvent(ev)
	}))
	c.Publish(&store.Event{Seq: 1}, nil)
	c.Publish(&store.Event{Seq: 2}, nil)
	close(release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close called from the listener did not return")
	}
	c.Close()
	assert.Equal(t, []int64{2}, rec.snapshot(), "events queued before Close are still delivered")
	assert.False(t, c.OnDispatcher())
}

func TestGoroutineID(t *testing.T) {
	own := goroutineID()
	require.NotZero(t, own)

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, own, <-other)
}
