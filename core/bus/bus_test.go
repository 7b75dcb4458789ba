package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var got []int64
	b.Subscribe(TopicSensorEnvUpdate, func(ev Event) {
		mu.Lock()
		got = append(got, ev.UnitID)
		mu.Unlock()
	})

	for i := int64(1); i <= 50; i++ {
		b.Publish(Event{Topic: TopicSensorEnvUpdate, UnitID: i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		assert.Equal(t, int64(i+1), id, "events must arrive in publish order")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New(zap.NewNop(), WithQueueSize(4))
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe(TopicSensorEnvUpdate, func(Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Topic: TopicSensorEnvUpdate, UnitID: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
	close(block)
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(zap.NewNop(), WithQueueSize(2))
	defer b.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var got []int64
	var once sync.Once
	b.Subscribe(TopicSensorPlantUpdate, func(ev Event) {
		once.Do(func() {
			close(started)
			<-release
		})
		mu.Lock()
		got = append(got, ev.UnitID)
		mu.Unlock()
	})

	b.Publish(Event{Topic: TopicSensorPlantUpdate, UnitID: 1})
	// handler is parked on event 1
	<-started

	// Queue bound is 2: events 2 and 3 fit, then 4 evicts 2 and 5 evicts 3.
	for i := int64(2); i <= 5; i++ {
		b.Publish(Event{Topic: TopicSensorPlantUpdate, UnitID: i})
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 4, 5}, got, "oldest queued events are dropped first")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	token := b.Subscribe(TopicSystemHealth, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Unsubscribe(token)
	b.Unsubscribe(token)

	b.Publish(Event{Topic: TopicSystemHealth, UnitID: 1})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count, "no delivery after unsubscribe")
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var stamped time.Time
	b.Subscribe(TopicSensorEnvUpdate, func(ev Event) {
		mu.Lock()
		stamped = ev.Timestamp
		mu.Unlock()
	})

	b.Publish(Event{Topic: TopicSensorEnvUpdate, UnitID: 1})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !stamped.IsZero()
	})
}
