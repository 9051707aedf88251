package events

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher is the interface for publishing call events.
// Implementations may be no-op, logging, or in-memory (for testing and
// local CDR processing).
type Publisher interface {
	// Publish sends an event. Returns error only for transport failures,
	// not for invalid events (those should be caught at construction).
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting for confirmation.
	PublishAsync(event Event)

	// Flush ensures all pending async events are published.
	// Call before shutdown to avoid event loss.
	Flush(ctx context.Context) error

	// Close releases resources. Calls Flush internally.
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (p *NoopPublisher) PublishAsync(event Event)                       {}
func (p *NoopPublisher) Flush(ctx context.Context) error                { return nil }
func (p *NoopPublisher) Close() error                                   { return nil }

// LoggingPublisher logs events at debug level. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Debug("[Events] Published",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_id", event.CallID(),
		"timestamp", event.Timestamp(),
	)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	p.logger.Debug("[Events] Published async",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_id", event.CallID(),
	)
}

func (p *LoggingPublisher) Flush(ctx context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                    { return nil }

// ChannelPublisher publishes to an in-memory channel. Used for testing
// and for local event processing (e.g. call-log enrichment).
type ChannelPublisher struct {
	mu        sync.RWMutex
	ch        chan Event
	closed    bool
	dropCount int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
// Events are dropped if the buffer is full.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.mu.Lock()
		p.dropCount++
		p.mu.Unlock()
		slog.Warn("[Events] Dropped, buffer full",
			"type", event.Type(),
			"call_id", event.CallID(),
		)
		return nil
	}
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	p.mu.RUnlock()

	select {
	case p.ch <- event:
	default:
		p.mu.Lock()
		p.dropCount++
		p.mu.Unlock()
	}
}

func (p *ChannelPublisher) Flush(ctx context.Context) error { return nil }

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (p *ChannelPublisher) DroppedCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropCount
}
