package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// ChannelPrefix prefixes the pub/sub channel each match publishes on.
const ChannelPrefix = "match:"

// EventChannel returns the pub/sub channel for matchID.
func EventChannel(matchID string) string {
	return ChannelPrefix + matchID
}

// BusEmitter publishes events as JSON on the match's pub/sub channel. The
// gateway subscribes to match:* and routes by recipient.
type BusEmitter struct {
	bus domain.SignalBus
}

// NewBusEmitter creates a BusEmitter.
func NewBusEmitter(bus domain.SignalBus) *BusEmitter {
	return &BusEmitter{bus: bus}
}

func (e *BusEmitter) Emit(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("session: marshal %s event: %w", evt.Type, err)
	}
	if err := e.bus.Publish(ctx, EventChannel(evt.MatchID), payload); err != nil {
		return fmt.Errorf("session: publish %s event: %w", evt.Type, err)
	}
	return nil
}

var _ EventSink = (*BusEmitter)(nil)
