package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can send metrics to monitoring systems like Prometheus.
//
// Methods are called from the server's event loop and must not block. If
// a method takes significant time, it should dispatch the work
// asynchronously.
type MetricsCollector interface {
	// RecordCommand records one dispatched command.
	// cmd is the canonical verb (e.g., "LIST", "RETR"), or "UNKNOWN".
	// success is false when the command produced an error reply.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed transfer.
	// operation is "LIST" or "RETR".
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt.
	// reason is "accepted", "global_limit_reached" or "per_ip_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordDataConnection records the outcome of a data connection setup.
	// mode is "active" or "passive"; outcome is "established", "timeout"
	// or "failed".
	RecordDataConnection(mode string, outcome string)

	// RecordAuthentication records a login attempt for user.
	RecordAuthentication(success bool, user string)
}
