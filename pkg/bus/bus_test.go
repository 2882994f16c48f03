package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/models"
)

// eventually polls until cond returns true or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestPublishRejectsUnknownType(t *testing.T) {
	b := New(0)
	defer b.Close()

	err := b.Publish(models.Event{ID: "e1", Type: "NotAThing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidationFailed)
}

func TestOrderedDeliveryPerType(t *testing.T) {
	b := New(0)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	b.Subscribe("order", []models.EventType{models.EventMessagePosted}, func(_ context.Context, e models.Event) error {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
		return nil
	})

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(models.NewEventWithID(fmt.Sprintf("e%03d", i), models.EventMessagePosted, "test", nil)))
	}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "all events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("e%03d", i), got[i])
	}
}

func TestHandlerIsolation(t *testing.T) {
	b := New(0)
	defer b.Close()

	var mu sync.Mutex
	var healthy int
	b.Subscribe("panics", nil, func(_ context.Context, _ models.Event) error {
		panic("boom")
	})
	b.Subscribe("healthy", nil, func(_ context.Context, _ models.Event) error {
		mu.Lock()
		healthy++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(models.NewEvent(models.EventAgentSpawned, "test", nil)))
	}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy == 3
	}, "healthy subscription keeps receiving despite the panicking one")
}

func TestPauseAfterConsecutiveFailuresAndResume(t *testing.T) {
	b := New(0)
	defer b.Close()

	var mu sync.Mutex
	calls := 0
	sub := b.Subscribe("flaky", nil, func(_ context.Context, _ models.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return fmt.Errorf("always fails")
	})

	for i := 0; i < maxConsecutiveFailures+3; i++ {
		require.NoError(t, b.Publish(models.NewEvent(models.EventTurnStarted, "test", nil)))
	}

	eventually(t, sub.Paused, "subscription pauses after repeated failures")
	mu.Lock()
	assert.Equal(t, maxConsecutiveFailures, calls, "no deliveries after pause")
	mu.Unlock()

	// Backlog resumes delivery after an explicit Resume.
	sub.Resume()
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > maxConsecutiveFailures
	}, "paused backlog drains after Resume")
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := New(10 * time.Millisecond)
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe("slow", nil, func(_ context.Context, _ models.Event) error {
		<-release
		return nil
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(models.NewEvent(models.EventMessagePosted, "test", nil)))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "publish must not wait for handlers")
	close(release)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(0)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe("once", nil, func(_ context.Context, _ models.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	require.NoError(t, b.Publish(models.NewEvent(models.EventChannelCreated, "test", nil)))
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "first event delivered")

	b.Unsubscribe(sub)
	require.NoError(t, b.Publish(models.NewEvent(models.EventChannelCreated, "test", nil)))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestTypeFilter(t *testing.T) {
	b := New(0)
	defer b.Close()

	var mu sync.Mutex
	var seen []models.EventType
	b.Subscribe("filtered", []models.EventType{models.EventTurnCompleted}, func(_ context.Context, e models.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})

	require.NoError(t, b.Publish(models.NewEvent(models.EventTurnStarted, "test", nil)))
	require.NoError(t, b.Publish(models.NewEvent(models.EventTurnCompleted, "test", nil)))

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, "only the filtered type arrives")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.EventTurnCompleted, seen[0])
}
