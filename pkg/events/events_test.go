package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker(Config{Logger: zerolog.Nop()})
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestPublishSetsIDAndTimestamp(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventAgentRegistered, Metadata: map[string]string{MetaAgent: "a1"}})

	select {
	case ev := <-sub:
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, "a1", ev.Get(MetaAgent))
		assert.Equal(t, "", ev.Get(MetaPeer))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestHandlerReceivesEventsInOrder(t *testing.T) {
	b := newTestBroker(t)

	var mu sync.Mutex
	var got []string
	b.Handle("recorder", func(ev *Event) {
		mu.Lock()
		got = append(got, ev.Message)
		mu.Unlock()
	})

	for _, msg := range []string{"one", "two", "three"} {
		b.Publish(&Event{Type: EventDeploymentUpdated, Message: msg})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	b := newTestBroker(t)

	release := make(chan struct{})
	defer close(release)
	b.Handle("slow", func(*Event) { <-release })

	fast := make(chan *Event, 10)
	b.Handle("fast", func(ev *Event) { fast <- ev })

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: EventProvisionFailed})
	}

	for i := 0; i < 5; i++ {
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast handler received %d of 5 events", i)
		}
	}
}

func TestRemoveHandler(t *testing.T) {
	b := newTestBroker(t)
	b.Handle("h", func(*Event) {})
	assert.Equal(t, 1, b.SubscriberCount())

	b.RemoveHandler("h")
	b.RemoveHandler("missing")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestHandleAllKeepsEveryEventUnderBurst(t *testing.T) {
	b := NewBroker(Config{HandlerBuffer: 1, Logger: zerolog.Nop()})
	b.Start()
	t.Cleanup(b.Stop)

	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	record := func(ev *Event) {
		<-release
		mu.Lock()
		got = append(got, ev.Message)
		mu.Unlock()
	}
	b.HandleAll("all", record)

	const burst = 200
	for i := 0; i < burst; i++ {
		b.Publish(&Event{Type: EventDeploymentUpdated, Message: fmt.Sprintf("update-%d", i)})
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == burst
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "update-0", got[0])
	assert.Equal(t, fmt.Sprintf("update-%d", burst-1), got[burst-1])
}

func TestRemoveHandleAll(t *testing.T) {
	b := newTestBroker(t)
	b.HandleAll("h", func(*Event) {})
	assert.Equal(t, 1, b.SubscriberCount())

	b.RemoveHandler("h")
	assert.Equal(t, 0, b.SubscriberCount())
}
