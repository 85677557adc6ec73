package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess     AuditEvent = "login_success"
	AuditLoginFailure     AuditEvent = "login_failure"
	AuditLoginRateLimited AuditEvent = "login_rate_limited"
	AuditLogout           AuditEvent = "logout"
	AuditLogoutFailure    AuditEvent = "logout_failure"
	AuditSessionRejected  AuditEvent = "session_rejected"
	AuditTaskCreated      AuditEvent = "task_created"
	AuditTaskUpdated      AuditEvent = "task_updated"
	AuditTaskDeleted      AuditEvent = "task_deleted"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// optionally forwards every entry to a webhook.
type auditLogger struct {
	logger  *slog.Logger
	metrics  *metricsCollector
	webhook  *auditWebhook
	activity *activityStore
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. r may be nil for events raised
// outside a request.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	remoteAddr := ""
	if r != nil {
		remoteAddr = r.RemoteAddr
		baseAttrs = append(baseAttrs, slog.String("remote_addr", remoteAddr))
	}
	baseAttrs = append(baseAttrs, attrs...)

	ctx := contextOf(r)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.activity != nil && activityEvents[event] {
		al.recordActivity(ctx, event, remoteAddr, now, attrs)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: remoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		for _, a := range attrs {
			if a.Key == "subject_id" {
				evt.SubjectID = a.Value.String()
				continue
			}
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string, len(attrs))
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent is a convenience for events attributed to a subject.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, subjectID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("subject_id", subjectID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func (al *auditLogger) recordActivity(ctx context.Context, event AuditEvent, remoteAddr string, now time.Time, attrs []slog.Attr) {
	entry := activityEntry{Event: string(event), RemoteAddr: remoteAddr, CreatedAt: now}
	var subject string
	for _, a := range attrs {
		switch a.Key {
		case "subject_id":
			subject = a.Value.String()
		case "task_id":
			entry.TaskID = a.Value.String()
		}
	}
	if subject == "" {
		return
	}
	if err := al.activity.append(ctx, subject, entry); err != nil {
		al.logger.WarnContext(ctx, "recording activity failed",
			slog.String("subject_id", subject), slog.Any("error", err))
	}
}
