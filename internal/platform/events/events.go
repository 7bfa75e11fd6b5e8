// Package events publishes order lifecycle events to a Redis stream so that
// downstream consumers (notifications, dashboards) can follow the workflow
// without polling the database.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Event types.
const (
	TypeTransition     = "order_transition"
	TypeCriticalResult = "critical_result"
)

// Event describes one committed change to an order.
type Event struct {
	Type    string                 `json:"type"`
	Tenant  string                 `json:"tenant,omitempty"`
	OrderID string                 `json:"order_id"`
	From    string                 `json:"from,omitempty"`
	To      string                 `json:"to,omitempty"`
	Actor   string                 `json:"actor"`
	At      time.Time              `json:"at"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// StreamPublisher appends events with XADD. The stream is trimmed
// approximately to maxLen entries.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

const defaultMaxLen = 100000

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: defaultMaxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     evt.Type,
			"order_id": evt.OrderID,
			"data":     string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Nop discards events. Used when REDIS_URL is unset.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes every event to each publisher in turn. All publishers are
// tried; their errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
