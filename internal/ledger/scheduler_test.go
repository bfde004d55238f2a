package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	ready atomic.Bool
}

func (f *fakeBroker) Ready(ctx context.Context) (bool, error) {
	if f.ready.Load() {
		return true, nil
	}
	return false, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsDueSlotOnce(t *testing.T) {
	broker := &fakeBroker{}
	broker.ready.Store(true)

	var runCount atomic.Int32
	now := time.Now().UTC()
	slots := []Slot{{Name: "EU_open", Hour: now.Hour(), Minute: 0}}

	sched := NewScheduler(slots, SchedulerConfig{TickInterval: 10 * time.Millisecond}, broker,
		func(ctx context.Context, slot Slot, tradeDate string) error {
			runCount.Add(1)
			return nil
		}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sched.Start(ctx)

	assert.Equal(t, int32(1), runCount.Load())
}

func TestSchedulerSkipsSlotNotYetDue(t *testing.T) {
	broker := &fakeBroker{}
	broker.ready.Store(true)

	var runCount atomic.Int32
	future := time.Now().UTC().Add(time.Hour)
	slots := []Slot{{Name: "US_open", Hour: future.Hour(), Minute: future.Minute()}}

	sched := NewScheduler(slots, SchedulerConfig{TickInterval: 10 * time.Millisecond}, broker,
		func(ctx context.Context, slot Slot, tradeDate string) error {
			runCount.Add(1)
			return nil
		}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	sched.Start(ctx)

	assert.Equal(t, int32(0), runCount.Load())
}

func TestSchedulerDefersWhenBrokerNotReady(t *testing.T) {
	broker := &fakeBroker{} // never becomes ready
	var runCount atomic.Int32
	now := time.Now().UTC()
	slots := []Slot{{Name: "EU_open", Hour: now.Hour(), Minute: 0}}

	sched := NewScheduler(slots, SchedulerConfig{
		TickInterval:  5 * time.Millisecond,
		DeferRetries:  2,
		DeferInterval: 5 * time.Millisecond,
		DeferBudget:   time.Second,
	}, broker, func(ctx context.Context, slot Slot, tradeDate string) error {
		runCount.Add(1)
		return nil
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	sched.Start(ctx)

	assert.Equal(t, int32(0), runCount.Load())
}

func TestSchedulerDoesNotRerunCompletedSlotSameDay(t *testing.T) {
	broker := &fakeBroker{}
	broker.ready.Store(true)

	var runCount atomic.Int32
	now := time.Now().UTC()
	slots := []Slot{{Name: "EU_open", Hour: now.Hour(), Minute: 0}}

	sched := NewScheduler(slots, SchedulerConfig{TickInterval: 5 * time.Millisecond}, broker,
		func(ctx context.Context, slot Slot, tradeDate string) error {
			runCount.Add(1)
			return nil
		}, testLogger())

	sched.tick(context.Background())
	sched.tick(context.Background())
	sched.tick(context.Background())

	assert.Equal(t, int32(1), runCount.Load())
}

func TestSchedulerFailedRunDoesNotMarkCompleted(t *testing.T) {
	broker := &fakeBroker{}
	broker.ready.Store(true)

	var runCount atomic.Int32
	now := time.Now().UTC()
	slots := []Slot{{Name: "EU_open", Hour: now.Hour(), Minute: 0}}

	sched := NewScheduler(slots, SchedulerConfig{TickInterval: 5 * time.Millisecond}, broker,
		func(ctx context.Context, slot Slot, tradeDate string) error {
			runCount.Add(1)
			return errors.New("run failed")
		}, testLogger())

	sched.tick(context.Background())
	sched.tick(context.Background())

	assert.Equal(t, int32(2), runCount.Load())
	require.False(t, sched.completed["EU_open"])
}
