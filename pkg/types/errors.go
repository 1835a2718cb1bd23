package types

import "errors"

var (
	// Replication errors
	ErrReplicationFailed = errors.New("replication failed")
	ErrNotLeader         = errors.New("node is not the partition leader")
	ErrNoLeader          = errors.New("no leader elected")

	// Routing errors
	ErrRouterClosed = errors.New("shard router is closed")
	ErrWriterClosed = errors.New("background writer is closed")

	// Storage errors
	ErrUnknownRecord = errors.New("unknown record kind")

	// Wire errors
	ErrMalformedMessage = errors.New("malformed replication message")
)
