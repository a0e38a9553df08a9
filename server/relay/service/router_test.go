package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_relay/server/relay/dedup"
	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/wire"
)

func TestSubmitToOnlineReceiver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")
	b := h.join(t, "b")

	res := h.router.Submit(ctx, send("a", "b", "hello", "tmp-1"))
	require.NoError(t, res.Err)
	require.True(t, res.Accepted)
	assert.True(t, res.Delivered)
	require.NotNil(t, res.Message)

	received := b.all(wire.KindReceiveMessage)
	require.Len(t, received, 1)
	view := received[0].(wire.MessageView)
	assert.Equal(t, "hello", view.Content)
	assert.Equal(t, "a", view.SenderID)
	assert.False(t, view.IsEcho)

	echoes := a.all(wire.KindReceiveMessage)
	require.Len(t, echoes, 1)
	assert.True(t, echoes[0].(wire.MessageView).IsEcho)
	assert.Equal(t, "tmp-1", echoes[0].(wire.MessageView).ClientMessageID)
	assert.Equal(t, []domain.MessageStatus{domain.MessageStatusSent, domain.MessageStatusDelivered}, a.statuses())

	stored, found, err := h.gw.FindMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.MessageStatusDelivered, stored.Status)

	conv, _, err := h.gw.FindConversation(ctx, stored.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.UnreadFor("b"))
	assert.Equal(t, int64(0), conv.UnreadFor("a"))
	assert.Equal(t, stored.ID, conv.LastMessageID)
	assert.Equal(t, 1, h.publisher.count(RoutingMessageCreated))
}

func TestSubmitToOfflineReceiver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")

	res := h.router.Submit(ctx, send("a", "b", "later", ""))
	require.NoError(t, res.Err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Delivered)

	assert.Equal(t, 1, a.count(wire.KindReceiveMessage))
	assert.Equal(t, []domain.MessageStatus{domain.MessageStatusSent}, a.statuses())

	stored, _, err := h.gw.FindMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, stored.Status)

	conv, _, err := h.gw.FindConversation(ctx, stored.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.UnreadFor("b"))
}

func TestDuplicateSubmissionIsAcknowledgedNotStored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")
	b := h.join(t, "b")

	first := h.router.Submit(ctx, send("a", "b", "hi", "tmp-1"))
	require.NoError(t, first.Err)
	second := h.router.Submit(ctx, send("a", "b", "hi", "tmp-1"))
	require.NoError(t, second.Err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, domain.MessageStatusDelivered, second.Message.Status)
	assert.Equal(t, int32(1), h.gw.saves.Load())
	assert.Equal(t, 1, b.count(wire.KindReceiveMessage))
	assert.Equal(t, 2, a.count(wire.KindReceiveMessage))

	conv, _, err := h.gw.FindConversation(ctx, first.Message.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.UnreadFor("b"))
	assert.Equal(t, 1, h.publisher.count(RoutingMessageCreated))
}

func TestConcurrentDuplicatesWithoutClientIDPersistOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join(t, "a")

	msg := send("a", "b", "same", "")
	msg.Timestamp = []byte(`"2026-01-01T00:00:00Z"`)

	var wg sync.WaitGroup
	results := make([]domain.SubmitResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.router.Submit(ctx, msg)
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, results[0].Message.ID, r.Message.ID)
		if r.Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, 7, duplicates)
	assert.Equal(t, int32(1), h.gw.saves.Load())
}

func TestDistinctMessagesAreNotDeduplicated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r1 := h.router.Submit(ctx, send("a", "b", "one", ""))
	r2 := h.router.Submit(ctx, send("a", "b", "two", ""))
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.NotEqual(t, r1.Message.ID, r2.Message.ID)
	assert.Equal(t, r1.Message.ConversationID, r2.Message.ConversationID)
}

func TestRepeatedTextWithoutIDsIsStoredAgainLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join(t, "a")

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	router := NewRouter(h.gw, h.registry, dedup.NewWindow(time.Hour), WithRouterClock(clock))

	first := router.Submit(ctx, send("a", "b", "ok", ""))
	require.NoError(t, first.Err)

	advance(time.Second)
	retry := router.Submit(ctx, send("a", "b", "ok", ""))
	require.NoError(t, retry.Err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)

	advance(2 * time.Minute)
	later := router.Submit(ctx, send("a", "b", "ok", ""))
	require.NoError(t, later.Err)
	assert.False(t, later.Duplicate)
	assert.NotEqual(t, first.Message.ID, later.Message.ID)
	assert.Equal(t, int32(2), h.gw.saves.Load())
}

func TestPersistenceFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "b")

	h.gw.failing.Store(true)
	res := h.router.Submit(ctx, send("a", "b", "hi", "tmp-9"))
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, domain.ErrPersistence)
	assert.False(t, res.Accepted)
	assert.Equal(t, 0, b.count(wire.KindReceiveMessage))

	h.gw.failing.Store(false)
	retry := h.router.Submit(ctx, send("a", "b", "hi", "tmp-9"))
	require.NoError(t, retry.Err)
	assert.False(t, retry.Duplicate)
	assert.Equal(t, 1, b.count(wire.KindReceiveMessage))
}

func TestInvalidIdentityIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.router.Submit(ctx, wire.SendMessage{SenderID: "a", ReceiverID: map[string]any{"name": "nobody"}})
	assert.ErrorIs(t, res.Err, domain.ErrInvalidIdentity)
	assert.False(t, res.Accepted)

	res = h.router.Submit(ctx, wire.SendMessage{ReceiverID: "b"})
	assert.ErrorIs(t, res.Err, domain.ErrInvalidIdentity)
	assert.Equal(t, int32(0), h.gw.saves.Load())
}

func TestRecipientAliasAndMessageAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "b")

	res := h.router.Submit(ctx, wire.SendMessage{
		SenderID:    map[string]any{"_id": "a"},
		RecipientID: map[string]any{"_id": map[string]any{"$oid": "b"}},
		Message:     text("via alias"),
	})
	require.NoError(t, res.Err)
	got := b.all(wire.KindReceiveMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "via alias", got[0].(wire.MessageView).Content)
}

func TestMissingContentIsStoredEmpty(t *testing.T) {
	h := newHarness(t)
	res := h.router.Submit(context.Background(), wire.SendMessage{SenderID: "a", ReceiverID: "b"})
	require.NoError(t, res.Err)
	assert.Equal(t, "", res.Message.Content)
}

func TestSelfMessageEchoOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")

	res := h.router.Submit(ctx, send("a", "a", "note to self", ""))
	require.NoError(t, res.Err)
	assert.False(t, res.Delivered)

	views := a.all(wire.KindReceiveMessage)
	require.Len(t, views, 1)
	assert.True(t, views[0].(wire.MessageView).IsEcho)

	conv, _, err := h.gw.FindConversation(ctx, res.Message.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.UnreadFor("a"))
}

func TestSuppliedConversationIsUsedWhenItMatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.gw.FindOrCreateDirectConversation(ctx, "a", "b")
	require.NoError(t, err)

	msg := send("a", "b", "x", "")
	msg.ConversationID = conv.ID
	res := h.router.Submit(ctx, msg)
	require.NoError(t, res.Err)
	assert.Equal(t, conv.ID, res.Message.ConversationID)

	msg = send("a", "b", "y", "")
	msg.ConversationID = "does-not-exist"
	res = h.router.Submit(ctx, msg)
	require.NoError(t, res.Err)
	assert.Equal(t, conv.ID, res.Message.ConversationID)

	foreign, err := h.gw.FindOrCreateDirectConversation(ctx, "c", "d")
	require.NoError(t, err)
	msg = send("a", "b", "z", "")
	msg.ConversationID = foreign.ID
	res = h.router.Submit(ctx, msg)
	require.NoError(t, res.Err)
	assert.Equal(t, conv.ID, res.Message.ConversationID)
}

func TestMessagesArriveInSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "b")

	for i := 0; i < 20; i++ {
		res := h.router.Submit(ctx, send("a", "b", fmt.Sprintf("m%02d", i), ""))
		require.NoError(t, res.Err)
	}
	views := b.all(wire.KindReceiveMessage)
	require.Len(t, views, 20)
	for i, v := range views {
		assert.Equal(t, fmt.Sprintf("m%02d", i), v.(wire.MessageView).Content)
	}
}

type stubSigner struct{}

func (stubSigner) Sign(_ context.Context, keys []string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = "https://files.example/" + k + "?sig=1"
	}
	return out, nil
}

func TestAttachmentsAreSignedOnTheWayOut(t *testing.T) {
	h := newHarness(t)
	h.router.signer = stubSigner{}
	ctx := context.Background()
	b := h.join(t, "b")

	msg := send("a", "b", "pic", "")
	msg.Attachments = []string{"img/1.png"}
	res := h.router.Submit(ctx, msg)
	require.NoError(t, res.Err)

	stored, _, err := h.gw.FindMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"img/1.png"}, stored.Attachments)

	views := b.all(wire.KindReceiveMessage)
	require.Len(t, views, 1)
	assert.Equal(t, []string{"https://files.example/img/1.png?sig=1"}, views[0].(wire.MessageView).Attachments)
}

func TestKeyedMutexForgetsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a|b")
	assert.Equal(t, 1, k.size())
	unlock()
	assert.Equal(t, 0, k.size())
}
