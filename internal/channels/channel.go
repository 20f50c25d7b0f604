package channels

import (
	"context"
)

// Channel is an external messaging integration that runs alongside the agent.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for user interactions. It blocks until the
	// context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Sharer delivers user-initiated share payloads. It backs the coordinator's
// share operation when the platform has no native share target.
type Sharer interface {
	Share(ctx context.Context, title, text, url string) error
}
