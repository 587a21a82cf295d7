// Package logfields holds the field names used in structured log entries.
//
// Message content is never logged. Chat ids, tokens and entry ids go
// through internal/privacy before they reach a field.
package logfields

const (
	// Core identifiers
	MessageID = "message_id"
	ChatID    = "chat_id"
	QueueKey  = "queue_key"
	RequestID = "request_id"
	TraceID   = "trace_id"

	// Service and operation fields
	Component = "component"
	Operation = "operation"
	Method    = "method"
	Path      = "path"

	// Queue state
	Status     = "status"
	QueueDepth = "queue_depth"
	Online     = "online"
	Content    = "content"
	Attempt    = "attempt"

	// Performance
	Duration = "duration_ms"
	Count    = "count"

	// Network and external services
	URL        = "url"
	Request    = "request"
	StatusCode = "status_code"
	RemoteIP   = "remote_ip"
	UserAgent  = "user_agent"
	Size       = "response_size"

	// Storage
	StorageDriver = "storage_driver"
	FilePath      = "file_path"

	// Errors
	ErrorCode = "error_code"
)
