// Package detect turns incoming notification events into transactions,
// learning and applying per-bank extraction rules along the way.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/extract"
)

// DefaultRuleTimeout bounds rule lookup plus generation for one event.
const DefaultRuleTimeout = 15 * time.Second

// ErrAlreadyRunning is returned by Run on a listener that is not idle.
var ErrAlreadyRunning = errors.New("listener already started")

// State is the listener's lifecycle position.
type State int32

// Listener states.
const (
	StateIdle State = iota
	StateSubscribed
	StateResolvingRule
	StateExtracting
	StateEmitting
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateResolvingRule:
		return "resolving-rule"
	case StateExtracting:
		return "extracting"
	case StateEmitting:
		return "emitting"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RuleResolver returns the active rule for a bank, creating it if needed.
type RuleResolver interface {
	GetOrCreateRule(ctx context.Context, userID, bankAppID, bankName, sample string) (*api.ExtractionRule, error)
}

// SessionProvider reports the signed-in user, if any.
type SessionProvider interface {
	Current(ctx context.Context) (api.User, bool)
}

// StaticSession is a SessionProvider for a fixed user. The zero value has no
// session.
type StaticSession api.User

// Current implements SessionProvider.
func (s StaticSession) Current(context.Context) (api.User, bool) {
	return api.User(s), s.ID != ""
}

// Config holds configuration for the listener.
type Config struct {
	// RuleTimeout bounds rule resolution per event. Defaults to DefaultRuleTimeout.
	RuleTimeout time.Duration
}

// Listener consumes detection events one at a time and emits a transaction
// for each event that arrives while a user session exists.
type Listener struct {
	rules    RuleResolver
	sessions SessionProvider
	applier  *extract.Applier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	state    atomic.Int32
}

// New creates a listener.
func New(rules RuleResolver, sessions SessionProvider, cfg Config, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = DefaultRuleTimeout
	}

	return &Listener{
		rules:    rules,
		sessions: sessions,
		applier:  extract.NewApplier(logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

// Run processes events until ctx is canceled or events is closed, then
// closes out. When dropped is non-nil, the SourceID of every event that
// yields no transaction is sent on it, and it is closed along with out. A
// listener runs once.
func (l *Listener) Run(ctx context.Context, events <-chan api.DetectionEvent, out chan<- *api.Transaction, dropped chan<- string) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateSubscribed)) {
		return ErrAlreadyRunning
	}
	defer close(out)
	if dropped != nil {
		defer close(dropped)
	}
	defer l.setState(StateUnsubscribed)

	l.logger.Info("listener subscribed")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("listener unsubscribed", "reason", ctx.Err())
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				l.logger.Info("event stream closed, listener unsubscribed")
				return nil
			}

			txn := l.detect(ctx, ev)
			if txn == nil {
				l.setState(StateSubscribed)
				if dropped == nil || ev.SourceID == "" {
					continue
				}
				select {
				case dropped <- ev.SourceID:
				case <-ctx.Done():
					l.logger.Info("listener unsubscribed", "reason", ctx.Err())
					return ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				l.logger.Info("discarding detection after unsubscribe", "source_id", ev.SourceID)
				return ctx.Err()
			}

			l.setState(StateEmitting)
			select {
			case out <- txn:
			case <-ctx.Done():
				l.logger.Info("discarding detection after unsubscribe", "source_id", ev.SourceID)
				return ctx.Err()
			}
			l.setState(StateSubscribed)
		}
	}
}

// detect is Detect with a panic treated as a dropped event.
func (l *Listener) detect(ctx context.Context, ev api.DetectionEvent) (txn *api.Transaction) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered from panic during detection", "source_id", ev.SourceID, "panic", r)
			txn = nil
		}
	}()
	return l.Detect(ctx, ev)
}

// Detect builds the transaction for one event, or returns nil when there is
// no user session. It never fails: any problem with rule resolution or
// extraction falls back to the event's own vendor and amount.
func (l *Listener) Detect(ctx context.Context, ev api.DetectionEvent) *api.Transaction {
	user, ok := l.sessions.Current(ctx)
	if !ok {
		l.logger.Warn("dropping detection without a user session", "source_id", ev.SourceID)
		return nil
	}

	vendor, amount := ev.Fallback()
	txn := &api.Transaction{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		UserName:   user.Name,
		Label:      api.LabelAutoAdded,
		Recurrence: api.RecurrenceOneTime,
		CreatedAt:  l.now().UTC(),
		SourceID:   ev.SourceID,
	}

	detectedAt := ev.ReceivedAt
	if detectedAt.IsZero() {
		detectedAt = l.now()
	}
	txn.Date = detectedAt.Format(api.DateLayout)

	if ev.HasRuleInputs() {
		rule, res, extracted := l.extractWithRule(ctx, user, ev)
		if rule != nil {
			txn.RuleID = &rule.ID
			txn.RawNotification = ev.RawNotification
		}
		if extracted {
			amount = res.Amount
			if res.Vendor != "" {
				vendor = res.Vendor
			}
		}
	}

	txn.Vendor, txn.Amount = vendor, amount

	l.logger.Debug("detected transaction",
		"transaction_id", txn.ID,
		"vendor", txn.Vendor,
		"amount", txn.Amount,
		"rule_id", deref(txn.RuleID),
	)
	return txn
}

// extractWithRule resolves the bank's rule and applies it. A panic here is
// logged and treated as a failed extraction, so the event still yields a
// transaction.
func (l *Listener) extractWithRule(ctx context.Context, user api.User, ev api.DetectionEvent) (rule *api.ExtractionRule, res extract.Result, ok bool) {
	logger := l.logger.With("user_id", user.ID, "bank_app_id", *ev.BankAppID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered from panic while applying rule", "panic", r)
			res, ok = extract.Result{}, false
		}
	}()

	l.setState(StateResolvingRule)
	ruleCtx, cancel := context.WithTimeout(ctx, l.cfg.RuleTimeout)
	defer cancel()

	text := extract.Normalize(*ev.RawNotification)
	rule, err := l.rules.GetOrCreateRule(ruleCtx, user.ID, *ev.BankAppID, *ev.BankName, text)
	if err != nil {
		logger.Warn("rule unavailable, using fallback fields", "error", err)
		return nil, extract.Result{}, false
	}

	l.setState(StateExtracting)
	res, ok = l.applier.Apply(rule.AmountPattern, rule.VendorPattern, text)
	if !ok {
		logger.Info("rule did not match notification, using fallback fields", "rule_id", rule.ID)
	}
	return rule, res, ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
