package notify

import "context"

// Severity classifies a notification for display.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Notification is one dashboard event pushed to the configured channels.
type Notification struct {
	Title    string
	Message  string
	Severity Severity
	RunID    string // optional agent run reference
	PRURL    string // optional pull request URL
}

// Notifier delivers dashboard notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Multi fans a notification out to several notifiers, returning the last
// delivery error if any of them fail.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Send(ctx context.Context, n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Send(ctx context.Context, n Notification) error { return nil }
