// Package memory provides in-process implementations of the domain cache
// interfaces for single-process deployments without Redis.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

const subscribeBuffer = 64

// SignalBus is an in-process domain.SignalBus. Publish never blocks: a
// subscriber whose buffer is full misses the message.
type SignalBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish delivers a copy of payload to every current subscriber of channel.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber on channel until ctx is cancelled, at
// which point the returned channel is closed.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscribeBuffer)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
