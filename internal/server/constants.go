// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Inbound WebSocket messages per client per window
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Outbound WebSocket queue per client; events beyond it are dropped
	ClientSendBuffer = 64
	WriteTimeout     = 5 * time.Second

	// Request body limit for JSON control calls
	MaxBodyBytes = 64 << 10
)
