// Package email sends step-up verification codes and blocked-login alerts
// over SMTP, with template rendering and an async Redis queue.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const queueKey = "email:queue"

// Service handles sending emails via SMTP with template rendering and async queue support.
type Service struct {
	host      string
	port      int
	username  string
	password  string
	from      string
	redis     *redis.Client
	logger    *zap.Logger
	templates *template.Template

	// sendMail is swappable for tests
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// Message represents an email to be sent, used for async queue serialization.
type Message struct {
	To           string                 `json:"to"`
	Subject      string                 `json:"subject"`
	TemplateName string                 `json:"template_name"`
	Data         map[string]interface{} `json:"data"`
}

// NewService creates a new email service with the given SMTP configuration.
func NewService(host string, port int, username, password, from string, redisClient *redis.Client, logger *zap.Logger) *Service {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/*.html"))

	return &Service{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		from:      from,
		redis:     redisClient,
		logger:    logger,
		templates: tmpl,
		sendMail:  smtp.SendMail,
	}
}

// Send renders the named template with the given data and sends an HTML email synchronously.
func (s *Service) Send(ctx context.Context, to, subject, templateName string, data map[string]interface{}) error {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		s.from, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	if err := s.sendMail(addr, auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	s.logger.Info("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// SendAsync enqueues an email message for asynchronous delivery via the Redis
// queue. Falls back to synchronous delivery when no queue is configured.
func (s *Service) SendAsync(ctx context.Context, to, subject, templateName string, data map[string]interface{}) error {
	if s.redis == nil {
		return s.Send(ctx, to, subject, templateName, data)
	}

	msg := Message{
		To:           to,
		Subject:      subject,
		TemplateName: templateName,
		Data:         data,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	if err := s.redis.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}

	s.logger.Info("email enqueued", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// ProcessQueue continuously processes the email queue, sending emails as they arrive.
// It blocks indefinitely and should be run in a goroutine.
func (s *Service) ProcessQueue(ctx context.Context) {
	s.logger.Info("email queue processor started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("email queue processor stopped")
			return
		default:
		}

		result, err := s.redis.BRPop(ctx, 5*time.Second, queueKey).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				s.logger.Error("failed to dequeue email", zap.Error(err))
				time.Sleep(1 * time.Second)
			}
			continue
		}

		if len(result) < 2 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
			s.logger.Error("failed to unmarshal email message", zap.Error(err))
			continue
		}

		if err := s.Send(ctx, msg.To, msg.Subject, msg.TemplateName, msg.Data); err != nil {
			s.logger.Error("failed to send queued email",
				zap.String("to", msg.To),
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			continue
		}
	}
}

// SendVerificationCode delivers a step-up verification code.
func (s *Service) SendVerificationCode(ctx context.Context, to, userName, code string, expiry time.Duration) error {
	return s.SendAsync(ctx, to, "Your sign-in verification code", "verification-code", map[string]interface{}{
		"Name":          userName,
		"Code":          code,
		"ExpiryMinutes": int(expiry.Minutes()),
	})
}

// SendLoginAlert notifies the account owner about a blocked sign-in attempt.
func (s *Service) SendLoginAlert(ctx context.Context, to, userName, location, ipAddress string, at time.Time) error {
	return s.SendAsync(ctx, to, "Blocked sign-in attempt on your account", "suspicious-login", map[string]interface{}{
		"Name":      userName,
		"Location":  location,
		"IPAddress": ipAddress,
		"Time":      at.UTC().Format("Mon, 02 Jan 2006 15:04 MST"),
	})
}
