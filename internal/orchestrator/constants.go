package orchestrator

import "time"

// Manager tuning.
const (
	// Live feed sizes
	FeedRecentEvents = 200
	FeedEventBuffer  = 100

	// StopTimeout bounds Close when the process shuts down mid-recording.
	StopTimeout = 2 * time.Minute
)
