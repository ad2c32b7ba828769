// Package messaging sends text messages through WhatsApp providers and
// reports failures as classify.ProviderError.
package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// Channel delivers free-form text to a phone number.
type Channel interface {
	// Name returns the channel identifier (e.g., "whatsapp", "twilio").
	Name() string

	// SendText sends body to an E.164 phone number. Provider rejections are
	// returned as *classify.ProviderError.
	SendText(ctx context.Context, phone, body string) (SendResult, error)
}

// Registry manages channels by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
	}
}

// Register adds a channel to the registry.
func (r *Registry) Register(c Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = c
	return nil
}

// Get returns a channel by name.
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("channel %q not found", name)
	}
	return c, nil
}

// List returns all registered channel names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
