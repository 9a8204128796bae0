package realtime

import (
	"context"

	v1 "scribe/shared/contracts/realtime/v1"
)

// Broker fans room envelopes out to the other relays serving the same rooms.
// Handlers never see envelopes published by their own relay.
type Broker interface {
	Publish(ctx context.Context, roomID string, env v1.Envelope) error
	Subscribe(roomID string, fn func(v1.Envelope)) (cancel func(), err error)
	Close() error
}

// LocalBroker is the single-relay Broker: there is nobody to fan out to.
type LocalBroker struct{}

func (LocalBroker) Publish(context.Context, string, v1.Envelope) error { return nil }

func (LocalBroker) Subscribe(string, func(v1.Envelope)) (func(), error) {
	return func() {}, nil
}

func (LocalBroker) Close() error { return nil }
