package auth

import (
	"context"
	"time"
)

// NotificationType tags the message handed to the publisher
type NotificationType string

const (
	NotificationWelcome              NotificationType = "user.welcome"
	NotificationWelcomeBack          NotificationType = "user.welcome_back"
	NotificationPasswordResetRequest NotificationType = "user.password_reset_requested"
	NotificationPasswordChanged      NotificationType = "user.password_changed"
)

// Notification is a "create notification" message for the delivery service
type Notification struct {
	Type      NotificationType `json:"type"`
	UserID    string           `json:"user_id"`
	Email     string           `json:"email"`
	Name      string           `json:"name,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// NotificationPublisher accepts notifications, fire and forget
type NotificationPublisher interface {
	Publish(ctx context.Context, n Notification) error
}

// NotificationPublisherFunc adapts a function to NotificationPublisher
type NotificationPublisherFunc func(ctx context.Context, n Notification) error

// Publish implements NotificationPublisher.
func (f NotificationPublisherFunc) Publish(ctx context.Context, n Notification) error {
	if f == nil {
		return nil
	}
	return f(ctx, n)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Notification) error {
	return nil
}

func normalizePublisher(p NotificationPublisher) NotificationPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

// NewLogPublisher writes notifications to a logger. Useful when no
// delivery service is configured.
func NewLogPublisher(logger Logger) NotificationPublisher {
	if logger == nil {
		logger = defLogger{}
	}
	return NotificationPublisherFunc(func(ctx context.Context, n Notification) error {
		logger.Info("notification", "type", string(n.Type), "user_id", n.UserID, "email", n.Email)
		return nil
	})
}

func newNotification(kind NotificationType, user *User, now time.Time, data map[string]any) Notification {
	return Notification{
		Type:      kind,
		UserID:    user.ID.String(),
		Email:     user.Email,
		Name:      user.FullName(),
		Data:      data,
		CreatedAt: now,
	}
}
