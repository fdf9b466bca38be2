package logging

// AuditEvent represents a security-relevant relay decision that should be
// traceable after the fact
type AuditEvent struct {
	Operation string // e.g., "session_activated", "session_refused", "login_rejected"
	Actor     string // Login account name
	Target    string // Namespace id or destination id
	Result    string // "success" or "failure"
	Details   string // Additional context
}

// Audit logs a relay decision with structured fields.
// Audit events are logged at Info level with a special "audit" attribute
// to distinguish them from regular application logs.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
