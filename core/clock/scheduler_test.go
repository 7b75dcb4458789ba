package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOneShotFiresOnce(t *testing.T) {
	fake := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(fake, zap.NewNop())

	var fired int32
	s.After("once", 30*time.Second, func(context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	s.FireDue(context.Background())
	assert.Zero(t, atomic.LoadInt32(&fired))

	fake.Advance(30 * time.Second)
	s.FireDue(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	fake.Advance(time.Hour)
	s.FireDue(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired), "one-shot must not refire")
}

func TestIntervalReschedules(t *testing.T) {
	fake := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(fake, zap.NewNop())

	var fired int32
	s.Every("tick", time.Minute, func(context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	for i := 0; i < 3; i++ {
		fake.Advance(time.Minute)
		s.FireDue(context.Background())
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&fired))
}

func TestCancelRemovesTimer(t *testing.T) {
	fake := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(fake, zap.NewNop())

	var fired int32
	id := s.After("cancelled", time.Second, func(context.Context) {
		atomic.AddInt32(&fired, 1)
	})
	s.Cancel(id)

	fake.Advance(time.Minute)
	s.FireDue(context.Background())
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestEarliestFiresFirst(t *testing.T) {
	fake := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(fake, zap.NewNop())

	var order []string
	s.After("late", time.Hour, func(context.Context) { order = append(order, "late") })
	s.After("early", time.Minute, func(context.Context) { order = append(order, "early") })

	fake.Advance(2 * time.Hour)
	s.FireDue(context.Background())
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestPanicDoesNotKillScheduler(t *testing.T) {
	fake := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(fake, zap.NewNop())

	var fired int32
	s.After("bad", time.Second, func(context.Context) { panic("boom") })
	s.After("good", 2*time.Second, func(context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	fake.Advance(time.Minute)
	s.FireDue(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
