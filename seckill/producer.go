package seckill

import (
	"context"
	"fmt"

	"github.com/dcbickfo/flashsale/kv"
)

// DefaultStream is the order intent stream.
const DefaultStream = "stream.orders"

// Producer appends order intents to the stream.
type Producer struct {
	store  kv.Store
	stream string
}

func NewProducer(store kv.Store, stream string) *Producer {
	if stream == "" {
		stream = DefaultStream
	}
	return &Producer{store: store, stream: stream}
}

func (p *Producer) Stream() string { return p.stream }

// Enqueue appends intent and returns the stream entry id.
func (p *Producer) Enqueue(ctx context.Context, intent OrderIntent) (string, error) {
	id, err := p.store.XAdd(ctx, p.stream, intent.Fields())
	if err != nil {
		return "", fmt.Errorf("enqueue order %d: %w", intent.OrderID, err)
	}
	return id, nil
}
