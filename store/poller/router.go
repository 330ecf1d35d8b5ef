package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/wolfeidau/tiered-cache/store/outbox"
)

var (
	// ErrNoHandler is returned for entries whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for event type")

	// ErrMissingType is returned for payloads without a "type" field.
	ErrMissingType = errors.New("event payload has no type")
)

// Router dispatches entries by the "type" field of their JSON payload.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds eventType to h. Each type can be registered once.
func (r *Router) Register(eventType string, h Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrMissingType
	}
	if h == nil {
		return errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered: %s", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// Handle is a Handler that routes entry to the handler for its type.
func (r *Router) Handle(ctx context.Context, entry *outbox.Entry) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := entry.DecodePayload(&envelope); err != nil {
		return fmt.Errorf("decoding event type: %w", err)
	}
	eventType := strings.TrimSpace(envelope.Type)
	if eventType == "" {
		return ErrMissingType
	}

	r.mu.RLock()
	h, ok := r.handlers[eventType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, eventType)
	}
	return h(ctx, entry)
}
