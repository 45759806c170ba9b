// Package memory is the in-process event bus used when Redis is not
// configured. It serves a single process only.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const (
	subscriberBuffer = 128
	streamMaxLen     = 1000
)

// Bus implements domain.SignalBus with channels and bounded in-memory
// streams. Slow subscribers drop messages rather than block publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends, then closes its channel.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)

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
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead mirrors the Redis bus: an empty lastID returns the newest count
// entries, otherwise entries after lastID; oldest first either way.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if count <= 0 {
		count = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[stream]

	if lastID == "" {
		if len(msgs) > count {
			msgs = msgs[len(msgs)-count:]
		}
		return append([]domain.StreamMessage(nil), msgs...), nil
	}

	after := seqOf(lastID)
	var out []domain.StreamMessage
	for _, m := range msgs {
		if seqOf(m.ID) > after {
			out = append(out, m)
			if len(out) == count {
				break
			}
		}
	}
	return out, nil
}

func seqOf(id string) uint64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}

var _ domain.SignalBus = (*Bus)(nil)
