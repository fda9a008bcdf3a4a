// Package publisher delivers terminal crawl results to external consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one published payload, serialized to JSON.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Memory collects published messages in memory. Used in tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	next     int
}

// NewMemory creates an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish serializes the payload and records it under the topic.
func (m *Memory) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for topic %s: %w", topic, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("mem-%d", m.next)
	m.messages = append(m.messages, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}
