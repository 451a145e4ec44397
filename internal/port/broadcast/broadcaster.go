// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Broadcaster sends real-time events to the connections of one user.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, userID, eventType string, payload any)
}

// Nop discards all events.
type Nop struct{}

func (Nop) BroadcastEvent(context.Context, string, string, any) {}
