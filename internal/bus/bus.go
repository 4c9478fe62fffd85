// Package bus carries signals into the pipeline and agent replies out of it.
package bus

import (
	"context"
	"sync"

	"github.com/stellarlinkco/lorekeeper/internal/logging"
)

type MessageBus struct {
	Inbound  chan Signal
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:  make(chan Signal, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers fn for replies addressed to channel or to
// every channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	b.subs[channel] = fn
	b.mu.Unlock()
}

// PublishSignal blocks until the signal is queued or ctx is done.
func (b *MessageBus) PublishSignal(ctx context.Context, s Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	select {
	case b.Inbound <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound never blocks the caller; a full buffer drops the reply
// and reports false.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case b.Outbound <- msg:
		return true
	default:
		log := logging.For("bus")
		log.Warn().Str("stream", msg.StreamID).Str("session", msg.SessionID).Msg("outbound buffer full, reply not mirrored")
		return false
	}
}

// DispatchOutbound delivers replies to subscribers until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.dispatch(msg)
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if msg.Channel != "" {
		if fn, ok := b.subs[msg.Channel]; ok {
			fn(msg)
		}
		return
	}
	for _, fn := range b.subs {
		fn(msg)
	}
}
