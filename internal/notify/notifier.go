// Package notify fans out operator and dashboard notices (fetch failures,
// rate limiting, auto-refresh changes) to the configured senders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// Event types.
const (
	EventFetchFailed         = "fetch.failed"
	EventRateLimited         = "fetch.rate_limited"
	EventUpstreamUnavailable = "fetch.upstream_unavailable"
	EventAutoRefreshChanged  = "auto_refresh.changed"
	EventScrapeFailed        = "scrape.failed"
)

// Level is the severity shown to the user.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one notification.
type Notice struct {
	Event   string      `json:"event"`
	Level   Level       `json:"level"`
	Side    domain.Side `json:"side,omitempty"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Sender delivers notices over one channel.
type Sender interface {
	Send(ctx context.Context, n Notice) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

// Notifier dispatches notices to every Sender. Only allowed event types are
// forwarded (all when none are configured), and repeats of the same event for
// the same side are suppressed for the cooldown period.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewNotifier creates a Notifier. A zero cooldown disables suppression.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify forwards n to all senders unless it is filtered or cooling down.
// A failing sender does not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, notice Notice) error {
	if len(n.events) > 0 && !n.events[notice.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", notice.Event))
		return nil
	}
	if notice.At.IsZero() {
		notice.At = n.now()
	}
	if !n.admit(notice) {
		n.logger.DebugContext(ctx, "event cooling down",
			slog.String("event", notice.Event),
			slog.String("side", string(notice.Side)),
		)
		return nil
	}
	return n.dispatch(ctx, notice)
}

func (n *Notifier) admit(notice Notice) bool {
	if n.cooldown <= 0 {
		return true
	}
	key := notice.Event + "|" + string(notice.Side)

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && notice.At.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = notice.At
	return true
}

func (n *Notifier) dispatch(ctx context.Context, notice Notice) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, notice); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", notice.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// FetchFailure builds the notice for a failed refresh of side. Rate limiting
// and upstream outages get their own event and wording.
func FetchFailure(side domain.Side, err error) Notice {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return Notice{
			Event:   EventRateLimited,
			Level:   LevelWarning,
			Side:    side,
			Title:   "Rate limited",
			Message: fmt.Sprintf("The data source is throttling %s requests. Try again in a minute.", side),
		}
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return Notice{
			Event:   EventUpstreamUnavailable,
			Level:   LevelError,
			Side:    side,
			Title:   "Exchange unavailable",
			Message: fmt.Sprintf("The exchange did not answer for the %s side. Showing the last loaded offers.", side),
		}
	default:
		return Notice{
			Event:   EventFetchFailed,
			Level:   LevelError,
			Side:    side,
			Title:   "Refresh failed",
			Message: fmt.Sprintf("Could not refresh %s offers: %v", side, err),
		}
	}
}
