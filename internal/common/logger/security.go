package logger

import (
	"time"

	"go.uber.org/zap"
)

// SecurityEvent is a login-security audit record with a fixed, typed field
// set. Every field is declared here; there is no open metadata map, so an
// unknown key is a compile error rather than a silently accepted attribute.
type SecurityEvent struct {
	EventType    string    `json:"event_type"` // login, verification, block, alert
	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	Outcome      string    `json:"outcome"` // granted, challenged, blocked, failed
	Reason       string    `json:"reason,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Location     string    `json:"location,omitempty"`
	TrustScore   int       `json:"trust_score"`
	IsSuspicious bool      `json:"is_suspicious"`
	NewLocation  bool      `json:"new_location"`
	Timestamp    time.Time `json:"timestamp"`
}

// SecurityLogger writes security events through the structured logger
type SecurityLogger struct {
	logger *zap.Logger
}

// NewSecurityLogger creates a security event logger
func NewSecurityLogger(logger *zap.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: logger.With(zap.String("log_type", "security")),
	}
}

// Log writes a security event
func (s *SecurityLogger) Log(event SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID),
		zap.String("outcome", event.Outcome),
		zap.Int("trust_score", event.TrustScore),
		zap.Bool("is_suspicious", event.IsSuspicious),
		zap.Bool("new_location", event.NewLocation),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.Username != "" {
		fields = append(fields, zap.String("username", event.Username))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if event.Location != "" {
		fields = append(fields, zap.String("location", event.Location))
	}

	switch event.Outcome {
	case "blocked", "failed":
		s.logger.Warn("Security event", fields...)
	default:
		s.logger.Info("Security event", fields...)
	}
}
