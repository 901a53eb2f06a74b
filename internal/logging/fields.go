package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldService   = "service"
	FieldSource    = "source"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldEventID   = "event_id"
	FieldMessageID = "message_id"
	FieldDedupKey  = "dedup_key"
	FieldGroupKey  = "group_key"
	FieldAttempt   = "attempt"
)

// Service returns a slog attribute for the component name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Source returns a slog attribute for the webhook source.
func Source(source string) slog.Attr {
	return slog.String(FieldSource, source)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an envelope ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// MessageID returns a slog attribute for a broker message ID.
func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// Attempt returns a slog attribute for a delivery attempt count.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}
