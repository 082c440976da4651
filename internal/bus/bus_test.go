package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stellarlinkco/threadbot/internal/thread"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatchOutbound(t *testing.T) {
	b := NewMessageBus(4)

	var mu sync.Mutex
	var got []OutboundMessage
	done := make(chan struct{}, 2)
	b.SubscribeOutbound("discord", func(msg OutboundMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(stopped)
	}()

	require.NoError(t, b.PublishOutbound(ctx, OutboundMessage{Channel: "telegram", Content: "dropped"}))
	require.NoError(t, b.PublishOutbound(ctx, OutboundMessage{Channel: "discord", Content: "hello"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("outbound message not dispatched")
	}
	cancel()
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)
}

func TestDrainOutbound(t *testing.T) {
	b := NewMessageBus(4)
	var got []string
	b.SubscribeOutbound("discord", func(msg OutboundMessage) { got = append(got, msg.Content) })

	ctx := context.Background()
	require.NoError(t, b.PublishOutbound(ctx, OutboundMessage{Channel: "discord", Content: "a"}))
	require.NoError(t, b.PublishOutbound(ctx, OutboundMessage{Channel: "discord", Content: "b"}))

	assert.Equal(t, 2, b.DrainOutbound())
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, b.DrainOutbound())
}

func TestPublishInbound_ContextDone(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.PublishInbound(ctx, InboundMessage{Content: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishInbound(t *testing.T) {
	b := NewMessageBus(1)
	require.NoError(t, b.PublishInbound(context.Background(), InboundMessage{Channel: "discord", ChatID: "7"}))
	msg := <-b.Inbound
	assert.Equal(t, "discord:7", msg.SessionKey())
}

func TestThreadInbound(t *testing.T) {
	msg := InboundMessage{
		Kind:        KindThread,
		SenderID:    "42",
		ChatID:      "t1",
		MessageID:   "m9",
		Content:     "hi",
		Attachments: []thread.Attachment{{URL: "u"}},
	}
	in := msg.ThreadInbound()
	assert.Equal(t, thread.Inbound{ThreadID: "t1", MessageID: "m9", AuthorID: "42", Content: "hi",
		Attachments: []thread.Attachment{{URL: "u"}}}, in)
	assert.Equal(t, "thread", msg.Kind.String())
	assert.Equal(t, "chat", KindChat.String())
	assert.Equal(t, "image", KindImage.String())
}
