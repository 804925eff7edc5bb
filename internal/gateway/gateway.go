package gateway

import (
	"context"
	"sync"
)

// Sender delivers one outbound message to a user.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

// MessageHandler processes one inbound message.
type MessageHandler func(ctx context.Context, userID, text string) error

// Router sends each reply through the channel the user last wrote from. Users never seen inbound go
// to the fallback.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Sender
	fallback Sender
}

func NewRouter(fallback Sender) *Router {
	return &Router{routes: make(map[string]Sender), fallback: fallback}
}

func (r *Router) Bind(userID string, s Sender) {
	r.mu.Lock()
	r.routes[userID] = s
	r.mu.Unlock()
}

// Via wraps next so every message it handles binds the user to s first.
func (r *Router) Via(s Sender, next MessageHandler) MessageHandler {
	return func(ctx context.Context, userID, text string) error {
		r.Bind(userID, s)
		return next(ctx, userID, text)
	}
}

func (r *Router) Send(ctx context.Context, userID, text string) error {
	r.mu.RLock()
	s, ok := r.routes[userID]
	r.mu.RUnlock()
	if !ok {
		s = r.fallback
	}
	if s == nil {
		return ErrNoRoute
	}
	return s.Send(ctx, userID, text)
}
