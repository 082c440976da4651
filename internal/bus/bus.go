package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MessageBus decouples channels from the gateway. Inbound is read by the
// gateway; outbound messages fan out to the subscriber of their channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers fn for outbound messages addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// PublishInbound blocks until msg is queued or ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publish inbound")
	}
}

// PublishOutbound blocks until msg is queued or ctx is done.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publish outbound")
	}
}

// DispatchOutbound delivers outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

// DrainOutbound delivers the outbound messages already queued and returns
// how many it handled. Call it after DispatchOutbound has stopped.
func (b *MessageBus) DrainOutbound() int {
	n := 0
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
			n++
		default:
			return n
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	subs := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if len(subs) == 0 {
		log.Warn().Str("component", "bus").Str("channel", msg.Channel).Msg("no subscriber for outbound message")
		return
	}
	for _, fn := range subs {
		fn(msg)
	}
}
