package model

import "time"

// Defaults shared by the server binary and the components it wires.
const (
	DefaultSizeThreshold      = 5 << 20 // 5 MiB
	DefaultTimeThreshold      = 600 * time.Second
	DefaultFlushCheckInterval = time.Second
	DefaultSecretTTL          = 5 * time.Minute
	DefaultRequestTimeout     = 30 * time.Second
	DefaultDeliveryChannel    = "events"
)
