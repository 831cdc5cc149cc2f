// Package notify defines the email collaborator interface the core sends
// client-facing mail through. Delivery failures are retried with backoff
// and never block stage transitions; the actual transport lives outside
// the core.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EmailSender delivers the two client-facing mail kinds the core produces.
type EmailSender interface {
	// SendClientReminder nudges the client to finish onboarding.
	SendClientReminder(ctx context.Context, projectTitle string, recipients []string, message, portalURL string) error
	// SendConfirmationRequest asks the client to approve a fallback
	// template or substitute artifact.
	SendConfirmationRequest(ctx context.Context, recipients []string, projectTitle, requestTitle, portalURL string) error
}

// LogSender writes mail to the log instead of sending it. The default when
// no transport is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *LogSender) SendClientReminder(_ context.Context, projectTitle string, recipients []string, message, portalURL string) error {
	s.logger().Info("client reminder (log only)",
		"project", projectTitle, "recipients", recipients, "portal_url", portalURL, "message", message)
	return nil
}

func (s *LogSender) SendConfirmationRequest(_ context.Context, recipients []string, projectTitle, requestTitle, portalURL string) error {
	s.logger().Info("confirmation request (log only)",
		"project", projectTitle, "request", requestTitle, "recipients", recipients, "portal_url", portalURL)
	return nil
}

// RetryingSender wraps a sender with bounded exponential-backoff retries.
type RetryingSender struct {
	inner    EmailSender
	attempts int
	baseWait time.Duration
	logger   *slog.Logger
}

// NewRetryingSender wraps inner with up to attempts tries (default 3) and
// exponential backoff starting at baseWait (default 1s).
func NewRetryingSender(inner EmailSender, attempts int, baseWait time.Duration, logger *slog.Logger) *RetryingSender {
	if attempts <= 0 {
		attempts = 3
	}
	if baseWait <= 0 {
		baseWait = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingSender{inner: inner, attempts: attempts, baseWait: baseWait, logger: logger}
}

func (s *RetryingSender) SendClientReminder(ctx context.Context, projectTitle string, recipients []string, message, portalURL string) error {
	return s.retry(ctx, "client reminder", func() error {
		return s.inner.SendClientReminder(ctx, projectTitle, recipients, message, portalURL)
	})
}

func (s *RetryingSender) SendConfirmationRequest(ctx context.Context, recipients []string, projectTitle, requestTitle, portalURL string) error {
	return s.retry(ctx, "confirmation request", func() error {
		return s.inner.SendConfirmationRequest(ctx, recipients, projectTitle, requestTitle, portalURL)
	})
}

func (s *RetryingSender) retry(ctx context.Context, kind string, send func() error) error {
	var err error
	wait := s.baseWait
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = send(); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("email send failed, retrying", "kind", kind, "attempt", attempt, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return err
}

// SentMail is one captured delivery in a MemorySender.
type SentMail struct {
	Kind         string
	ProjectTitle string
	RequestTitle string
	Recipients   []string
	Message      string
	PortalURL    string
}

// MemorySender records deliveries for tests. Fail makes every send error.
type MemorySender struct {
	mu   sync.Mutex
	Fail error
	Sent []SentMail
}

func (s *MemorySender) SendClientReminder(_ context.Context, projectTitle string, recipients []string, message, portalURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.Sent = append(s.Sent, SentMail{
		Kind: "reminder", ProjectTitle: projectTitle,
		Recipients: recipients, Message: message, PortalURL: portalURL,
	})
	return nil
}

func (s *MemorySender) SendConfirmationRequest(_ context.Context, recipients []string, projectTitle, requestTitle, portalURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.Sent = append(s.Sent, SentMail{
		Kind: "confirmation", ProjectTitle: projectTitle, RequestTitle: requestTitle,
		Recipients: recipients, PortalURL: portalURL,
	})
	return nil
}

// Count returns the number of captured deliveries.
func (s *MemorySender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}
