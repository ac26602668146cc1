// Package notify defines the transient user-notification surface used
// when the pool denies a connection attempt. Hosts embed their own
// implementation (a UI toast, an ops alert); the pool treats delivery
// as fire-and-forget.
package notify

import "log/slog"

// Severity classifies a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a transient, toast-style message.
type Notice struct {
	Severity    Severity
	Title       string
	Description string
}

// Notifier delivers notices to whatever surface the host application
// provides. Implementations must tolerate concurrent calls.
type Notifier interface {
	Notify(n Notice)
}

// LogNotifier writes notices to a structured logger. It is the default
// surface for the command-line tools.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notice at a level matching its severity.
func (n *LogNotifier) Notify(notice Notice) {
	switch notice.Severity {
	case SeverityError:
		n.logger.Error(notice.Title, "description", notice.Description)
	case SeverityWarning:
		n.logger.Warn(notice.Title, "description", notice.Description)
	default:
		n.logger.Info(notice.Title, "description", notice.Description)
	}
}
