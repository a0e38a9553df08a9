package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/wire"
)

func TestMarkConversationReadNotifiesSenderOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")

	var ids []string
	var convID string
	for _, body := range []string{"1", "2", "3"} {
		res := h.router.Submit(ctx, send("a", "b", body, ""))
		require.NoError(t, res.Err)
		ids = append(ids, res.Message.ID)
		convID = res.Message.ConversationID
	}
	a.reset()

	n, err := h.receipts.MarkRead(ctx, "b", wire.MarkRead{ConversationID: convID})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	notes := a.all(wire.KindMessagesRead)
	require.Len(t, notes, 1)
	note := notes[0].(wire.MessagesRead)
	assert.Equal(t, "b", note.ReaderID)
	assert.Equal(t, convID, note.ConversationID)
	assert.ElementsMatch(t, ids, note.MessageIDs)

	conv, _, err := h.gw.FindConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.UnreadFor("b"))
	for _, id := range ids {
		m, _, err := h.gw.FindMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageStatusRead, m.Status)
	}
	assert.Equal(t, 1, h.publisher.count(RoutingMessageRead))

	n, err = h.receipts.MarkRead(ctx, "b", wire.MarkRead{ConversationID: convID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, a.all(wire.KindMessagesRead), 1)
}

func TestMarkConversationReadGroupsBySender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")

	r1 := h.router.Submit(ctx, send("a", "b", "from a", ""))
	require.NoError(t, r1.Err)
	r2 := h.router.Submit(ctx, send("b", "a", "from b", ""))
	require.NoError(t, r2.Err)
	require.Equal(t, r1.Message.ConversationID, r2.Message.ConversationID)
	a.reset()

	n, err := h.receipts.MarkRead(ctx, "b", wire.MarkRead{ConversationID: r1.Message.ConversationID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	notes := a.all(wire.KindMessagesRead)
	require.Len(t, notes, 1)
	assert.Equal(t, []string{r1.Message.ID}, notes[0].(wire.MessagesRead).MessageIDs)

	other, _, err := h.gw.FindMessage(ctx, r2.Message.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.MessageStatusRead, other.Status)
}

func TestMarkSingleMessageRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "a")

	res := h.router.Submit(ctx, send("a", "b", "hi", ""))
	require.NoError(t, res.Err)
	a.reset()

	n, err := h.receipts.MarkRead(ctx, "c", wire.MarkRead{MessageID: res.Message.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "only the receiver can read a message")

	n, err = h.receipts.MarkRead(ctx, "b", wire.MarkRead{MessageID: res.Message.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, a.all(wire.KindMessagesRead), 1)

	n, err = h.receipts.MarkRead(ctx, "b", wire.MarkRead{MessageID: res.Message.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, a.all(wire.KindMessagesRead), 1)
}

func TestMarkReadUnknownTargetsAreNoops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	n, err := h.receipts.MarkRead(ctx, "b", wire.MarkRead{MessageID: "missing"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.receipts.MarkRead(ctx, "b", wire.MarkRead{ConversationID: "missing"})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.receipts.MarkRead(ctx, "b", wire.MarkRead{})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestReadNeverRegressesOnLateDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.router.Submit(ctx, send("a", "b", "hi", ""))
	require.NoError(t, res.Err)
	_, err := h.receipts.MarkRead(ctx, "b", wire.MarkRead{MessageID: res.Message.ID})
	require.NoError(t, err)

	require.NoError(t, h.gw.MarkMessagesDelivered(ctx, []string{res.Message.ID}))
	m, _, err := h.gw.FindMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, m.Status)
}
