// Package memory contains an in-memory publisher used when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher keeps published payloads for inspection, bounded to a fixed count.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	seq      int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

const defaultLimit = 1000

// New returns a memory Publisher retaining up to 1000 messages.
func New() *Publisher {
	return &Publisher{limit: defaultLimit}
}

// Publish records the message and returns a pseudo ID. The oldest message is
// discarded once the limit is reached.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	return id, nil
}

// Messages returns a copy of the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
