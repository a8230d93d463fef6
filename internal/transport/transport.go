// Package transport defines the interface for the daemon's inbound surfaces.
//
// The local UI API (HTTP/WebSocket) and the gRPC health service both
// implement Transport so the daemon can start and drain them the same way.
package transport

import "context"

// Transport is a listener the daemon runs for its whole lifetime.
type Transport interface {
	// Name returns the transport identifier (e.g., "grpc", "http").
	Name() string

	// Listen serves until the context is cancelled.
	Listen(ctx context.Context) error

	// Close gracefully shuts down the transport, draining in-flight work.
	Close() error
}
