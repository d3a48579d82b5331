package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// BusSender publishes notices on the signal bus so connected dashboards can
// show them as toasts.
type BusSender struct {
	bus     domain.SignalBus
	channel string
}

// NewBusSender creates a BusSender publishing to channel.
func NewBusSender(bus domain.SignalBus, channel string) *BusSender {
	return &BusSender{bus: bus, channel: channel}
}

// Send publishes the notice as a {"type":"notice"} event.
func (b *BusSender) Send(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(struct {
		Type   string `json:"type"`
		Notice Notice `json:"notice"`
	}{Type: "notice", Notice: n})
	if err != nil {
		return fmt.Errorf("bus: marshal notice: %w", err)
	}
	return b.bus.Publish(ctx, b.channel, payload)
}

// Name returns the sender identifier.
func (b *BusSender) Name() string {
	return "bus"
}
