package models

import "time"

const (
	// RunningTickInterval cadence of the running booking widget
	RunningTickInterval = time.Second

	// ChartTickInterval cadence of daily-total charts
	ChartTickInterval = time.Minute

	// DedupeWindowSize how many recent event hashes are remembered
	DedupeWindowSize = 200

	// DedupeWindowTTL how long an event hash is remembered
	DedupeWindowTTL = 5 * time.Minute

	ChannelBackoffBase   = time.Second
	ChannelBackoffFactor = 2
	ChannelBackoffCap    = 30 * time.Second
	ChannelBackoffJitter = 0.2

	// DefaultHeartbeatTimeout no frame for this long means the push connection is dead
	DefaultHeartbeatTimeout = 45 * time.Second

	// DefaultSnapshotTTL lifetime of the warm-reload copy in redis
	DefaultSnapshotTTL = 24 * time.Hour

	// DefaultRequestTimeout backend HTTP timeout
	DefaultRequestTimeout = 10 * time.Second
)
