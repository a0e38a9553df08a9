package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_relay/server/relay/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("", "u1", "u2", "t1", "hi")
	assert.Equal(t, a, Fingerprint("", "u1", "u2", "t1", "hi"))
	assert.NotEqual(t, a, Fingerprint("", "u1", "u2", "t1", "hello"))
	assert.NotEqual(t, a, Fingerprint("", "u2", "u1", "t1", "hi"))

	assert.Equal(t, Fingerprint("tmp-1", "u1", "u2", "t1", "hi"), Fingerprint("tmp-1", "u1", "u3", "t9", "other"))
	assert.NotEqual(t, Fingerprint("tmp-1", "u1", "u2", "", ""), Fingerprint("tmp-1", "u9", "u2", "", ""))
}

func TestReceiveKeyGroupsNearbyInstants(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ReceiveKey(at), ReceiveKey(at.Add(ReceiveBucket-time.Millisecond)))
	assert.NotEqual(t, ReceiveKey(at), ReceiveKey(at.Add(ReceiveBucket)))
	assert.NotEqual(t, ReceiveKey(at), ReceiveKey(at.Add(2*time.Minute)))
}

func TestAcquireCommitThenHit(t *testing.T) {
	w := NewWindow(time.Hour)
	ctx := context.Background()

	_, found, err := w.Acquire(ctx, "fp")
	require.NoError(t, err)
	require.False(t, found)

	w.Commit("fp", domain.Message{ID: "m1"})

	msg, found, err := w.Acquire(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "m1", msg.ID)
}

func TestReleaseAllowsRetry(t *testing.T) {
	w := NewWindow(time.Hour)
	ctx := context.Background()

	_, found, err := w.Acquire(ctx, "fp")
	require.NoError(t, err)
	require.False(t, found)
	w.Release("fp")

	_, found, err = w.Acquire(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentAcquireCollapsesToOneClaim(t *testing.T) {
	w := NewWindow(time.Hour)
	ctx := context.Background()

	var claims, hits atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, found, err := w.Acquire(ctx, "fp")
			if err != nil {
				return
			}
			if found {
				hits.Add(1)
				return
			}
			claims.Add(1)
			time.Sleep(5 * time.Millisecond)
			w.Commit("fp", domain.Message{ID: "m1"})
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claims.Load())
	assert.Equal(t, int32(15), hits.Load())
}

func TestAcquireHonoursContext(t *testing.T) {
	w := NewWindow(time.Hour)
	_, _, err := w.Acquire(context.Background(), "fp")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = w.Acquire(ctx, "fp")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	clock := newClock()
	w := NewWindow(time.Hour, WithClock(clock.Now))

	w.Commit("fp", domain.Message{ID: "m1"})
	clock.Advance(59 * time.Minute)
	_, ok := w.Lookup("fp")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = w.Lookup("fp")
	assert.False(t, ok)
}

func TestPruneDropsOldBuckets(t *testing.T) {
	clock := newClock()
	w := NewWindow(time.Hour, WithClock(clock.Now), WithBucketSize(5*time.Minute))

	w.Commit("old", domain.Message{ID: "m1"})
	clock.Advance(30 * time.Minute)
	w.Commit("new", domain.Message{ID: "m2"})
	clock.Advance(40 * time.Minute)

	assert.Equal(t, 1, w.Prune())
	assert.Equal(t, 1, w.Len())
	_, ok := w.Lookup("new")
	assert.True(t, ok)
}

func TestUpdateKeepsEntry(t *testing.T) {
	w := NewWindow(time.Hour)
	w.Commit("fp", domain.Message{ID: "m1", Status: domain.MessageStatusSent})
	w.Update("fp", domain.Message{ID: "m1", Status: domain.MessageStatusDelivered})

	msg, ok := w.Lookup("fp")
	require.True(t, ok)
	assert.Equal(t, domain.MessageStatusDelivered, msg.Status)

	w.Update("missing", domain.Message{ID: "m2"})
	_, ok = w.Lookup("missing")
	assert.False(t, ok)
}
