package messaging

// Subjects published by the bridge.
// Follow the pattern: {domain}.{resource}.{action}
const (
	SubjectEventsBuffered = "bridge.events.buffered" // Webhook event appended to the buffer
	SubjectSyncCompleted  = "bridge.sync.completed"  // Cycle finished, payload is the cycle summary
	SubjectSyncFailed     = "bridge.sync.failed"     // Cycle aborted before dispatching

	// SubjectDLQPrefix prefixes dead-letter subjects; the reason is appended.
	SubjectDLQPrefix = "bridge.dlq"
)

// Header names set on published messages.
const (
	HeaderCycleID   = "Bridge-Cycle-Id"
	HeaderRequestID = "Bridge-Request-Id"
)

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: bridge.dlq.permanent
func DLQSubject(reason string) string {
	return SubjectDLQPrefix + "." + reason
}
