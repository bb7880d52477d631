// Package notify delivers user notifications (persisted rows plus realtime
// fan-out) and operator alerts (Telegram, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Operator alert events.
const (
	EventReleaseFailed          = "release_failed"
	EventRefundRequired         = "refund_required"
	EventEscrowAllocationFailed = "escrow_allocation_failed"
	EventExpirySweep            = "expiry_sweep"
	EventDepositMissing         = "deposit_missing"
)

// Sender is one operator alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans operator alerts out to every Sender.
//
// Events outside the allow-list are dropped (an empty list allows all). An
// alert identical to one delivered less than cooldown ago is also dropped, so
// a stuck release retried every tick pages once per window.
type Notifier struct {
	senders  []Sender
	events   map[string]struct{}
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	n := &Notifier{
		senders:  senders,
		events:   make(map[string]struct{}, len(events)),
		cooldown: cooldown,
		now:      time.Now,
		sent:     make(map[string]time.Time),
		logger:   logger.With(slog.String("component", "notifier")),
	}
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			n.events[e] = struct{}{}
		}
	}
	return n
}

// Notify delivers the alert to every sender. A failing sender does not stop
// delivery to the rest; the failures come back joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.allowed(event) {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", event))
		return nil
	}
	if !n.claim(event + "\x00" + title + "\x00" + message) {
		n.logger.DebugContext(ctx, "notifier: duplicate alert suppressed", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		if err == nil {
			continue
		}
		n.logger.ErrorContext(ctx, "notifier: sender failed",
			slog.String("sender", s.Name()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s: %w", event, errors.Join(errs...))
	}
	return nil
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

func (n *Notifier) allowed(event string) bool {
	if len(n.events) == 0 {
		return true
	}
	_, ok := n.events[event]
	return ok
}

// claim records key as sent and reports false if it was already sent within
// the cooldown. Expired keys are pruned on the way.
func (n *Notifier) claim(key string) bool {
	if n.cooldown <= 0 {
		return true
	}
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	for k, at := range n.sent {
		if now.Sub(at) >= n.cooldown {
			delete(n.sent, k)
		}
	}
	if _, dup := n.sent[key]; dup {
		return false
	}
	n.sent[key] = now
	return true
}
