package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Inbound events buffered between readers and the dispatcher.
	eventQueueSize = 256

	// Envelopes kept from before hello.ack; later ones are dropped.
	maxEarlyEnvelopes = 16

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	// Heartbeat defaults (overridden by NEX_LINK_HEARTBEAT_INTERVAL).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// maxPingFailures consecutive failed pings drop the connection.
	maxPingFailures = 3

	// A connection must stay up this long to reset the attempt counter.
	defaultMinStable = 5 * time.Second
)

const (
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
	defaultJitter      = 0.2
)
