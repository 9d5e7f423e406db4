package bus

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []string
	b.OnDataReceived(func(e DataReceivedEvent) { got = append(got, "a:"+e.Collection) })
	b.OnDataReceived(func(e DataReceivedEvent) { got = append(got, "b:"+e.Collection) })

	b.EmitDataReceived("entries")
	assert.Equal(t, []string{"a:entries", "b:entries"}, got)
}

func TestReentrantEmitIsQueued(t *testing.T) {
	b := New()
	var got []string
	b.OnDataLoaded(func(e DataLoadedEvent) {
		got = append(got, "loaded:start")
		b.EmitDataProcessed(e.Snapshot)
		got = append(got, "loaded:end")
	})
	b.OnDataLoaded(func(DataLoadedEvent) { got = append(got, "loaded:second") })
	b.OnDataProcessed(func(DataProcessedEvent) { got = append(got, "processed") })

	b.EmitDataLoaded(&ddata.Snapshot{})
	assert.Equal(t, []string{"loaded:start", "loaded:end", "loaded:second", "processed"}, got)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	var buf bytes.Buffer
	b := New(WithLogHandler(slog.NewJSONHandler(&buf, nil)))

	var reached bool
	b.OnNotification(func(NotificationEvent) { panic("boom") })
	b.OnNotification(func(e NotificationEvent) { reached = e.Level == notify.Urgent })

	b.EmitNotification(notify.Notification{Level: notify.Urgent})
	assert.True(t, reached)
	assert.Contains(t, buf.String(), "bus.handler.panic")
	assert.Contains(t, buf.String(), "notification")
}

func TestConcurrentEmittersAreSerialized(t *testing.T) {
	b := New()
	var active, maxActive, count atomic.Int32
	b.OnTick(func(TickEvent) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.EmitTick(time.Now())
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return count.Load() == 8 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestHeartbeat(t *testing.T) {
	b := New()
	var ticks atomic.Int32
	b.OnTick(func(TickEvent) { ticks.Add(1) })

	b.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	b.Stop()

	n := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, ticks.Load())

	// Stop without Start is a no-op.
	New().Stop()
}

func TestUptime(t *testing.T) {
	b := New()
	var got UptimeEvent
	b.OnUptime(func(e UptimeEvent) { got = e })
	b.Uptime()
	assert.False(t, got.Started.IsZero())
	assert.Equal(t, "uptime", Uptime.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
