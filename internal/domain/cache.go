package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for live events and durable streams for history.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names.
const (
	ChannelKeeper     = "keeper"
	ChannelSettlement = "settlement"
	StreamSettlements = "settlement:reports"
)

// Event types carried on the bus.
const (
	EventMarketCreated       = "market_created"
	EventMarketResolved      = "market_resolved"
	EventKeeperError         = "keeper_error"
	EventSettlementProgress  = "progress"
	EventSettlementCompleted = "completed"
)

// Event is the JSON envelope published on bus channels and relayed to
// WebSocket clients.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}
