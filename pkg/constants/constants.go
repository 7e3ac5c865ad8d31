package constants

import "time"

// WebSocket heartbeat and reconnect tuning
const (
	// HeartbeatInterval is the period between ping frames on an alive connection
	HeartbeatInterval = 60 * time.Second
	// PongGraceFactor is the multiple of HeartbeatInterval a connection may go
	// without a pong-equivalent event before it is declared expired
	PongGraceFactor = 3
	// ReconnectBackoffUnit is multiplied by the consecutive reconnect count to
	// compute the delay before the next connection attempt
	ReconnectBackoffUnit = 2 * time.Second
)

// REST client defaults
const (
	// RestRequestTimeout is the per-request timeout for platform REST calls
	RestRequestTimeout = 30 * time.Second
)

// Synthetic REST statuses used when the transport itself fails
const (
	// StatusRequestTimeout is reported when a REST call times out
	StatusRequestTimeout = 408
	// StatusInternalError is reported for any other transport failure
	StatusInternalError = 500
)

// Messaging app defaults
const (
	// DefaultMessagingPort is the messaging app listen port when unset
	DefaultMessagingPort = 7701
	// MessagingReadTimeout bounds header+body reads on inbound webhooks
	MessagingReadTimeout = 30 * time.Second
	// MessagingWriteTimeout bounds response writes on inbound webhooks
	MessagingWriteTimeout = 30 * time.Second
)

// Token masking
const (
	// MinTokenLengthForMasking is the minimum token length to apply masking
	MinTokenLengthForMasking = 10
	// TokenMaskPrefixLength is the length of prefix to show before masking
	TokenMaskPrefixLength = 7
	// TokenMaskSuffixLength is the length of suffix to show after masking
	TokenMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxBackups is the default number of rotated files to keep
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
