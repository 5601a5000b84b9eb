package server

import "time"

// Rate limiting (per websocket connection, sliding window)
const (
	RateLimitWindow   = time.Minute
	RateLimitMessages = 30
)

const sessionListLimit = 100
