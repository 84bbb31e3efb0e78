package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ComUnity/city-sentinel/internal/ledger"
	"github.com/ComUnity/city-sentinel/internal/middleware"
	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/telemetry"
	"github.com/ComUnity/city-sentinel/internal/util"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

var (
	ErrRateLimited = errors.New("too many requests")
	ErrTokenIssue  = errors.New("session token issuance failed")
	ErrFacadeDeps  = errors.New("security facade: missing dependency")
)

const (
	grantedMessage       = "access granted"
	secretChangedMessage = "secret changed"
)

// RateChecker is satisfied by *middleware.RateLimiter.
type RateChecker interface {
	Check(ctx context.Context, origin string) middleware.Decision
}

// AuditLedger is satisfied by *ledger.Ledger.
type AuditLedger interface {
	Append(ev ledger.Event) (uint64, error)
}

// TokenIssuer is satisfied by *util.JWTManager.
type TokenIssuer interface {
	IssueSessionToken(principal string, role models.Role, attemptID uuid.UUID) (string, error)
}

type FacadeDeps struct {
	Limiter  RateChecker
	Sentinel *HoneypotSentinel
	Vault    *CredentialVault
	Ledger   AuditLedger
	Alerts   AlertSink
	Tokens   TokenIssuer
}

type FacadeConfig struct {
	MaxInputLength int
	Now            func() time.Time
}

// Facade is the single entry point of the security subsystem. One instance is
// built by the composition root and shared by every controller.
type Facade struct {
	limiter  RateChecker
	sentinel *HoneypotSentinel
	vault    *CredentialVault
	ledger   AuditLedger
	alerts   AlertSink
	tokens   TokenIssuer
	guard    *InputGuard
	tracer   trace.Tracer
	now      func() time.Time

	subMu   sync.RWMutex
	subs    map[chan telemetry.SecurityEvent]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewFacade(deps FacadeDeps, cfg FacadeConfig) (*Facade, error) {
	switch {
	case deps.Limiter == nil:
		return nil, fmt.Errorf("%w: limiter", ErrFacadeDeps)
	case deps.Sentinel == nil:
		return nil, fmt.Errorf("%w: sentinel", ErrFacadeDeps)
	case deps.Vault == nil:
		return nil, fmt.Errorf("%w: vault", ErrFacadeDeps)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrFacadeDeps)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Facade{
		limiter:  deps.Limiter,
		sentinel: deps.Sentinel,
		vault:    deps.Vault,
		ledger:   deps.Ledger,
		alerts:   deps.Alerts,
		tokens:   deps.Tokens,
		guard:    NewInputGuard(cfg.MaxInputLength),
		tracer:   otel.Tracer("city-sentinel/security"),
		now:      cfg.Now,
		subs:     make(map[chan telemetry.SecurityEvent]struct{}),
	}, nil
}

// Authenticate runs RateCheck, HoneypotCheck and CredentialCheck in that
// order. Every call writes exactly one ledger record before it returns, and
// alerts are only raised once that record exists. If the write fails the
// result is Denied and the error wraps ledger.ErrLedgerWrite.
func (f *Facade) Authenticate(ctx context.Context, principal, secret, origin string) (models.AuthResult, error) {
	ctx, span := f.tracer.Start(ctx, "security.Authenticate",
		trace.WithAttributes(attribute.String("auth.origin", origin)))
	defer span.End()

	attempt := f.newAttempt(models.ActionLogin, principal, origin)
	id := f.check(ctx, &attempt, principal, secret, origin)

	var (
		token string
		err   error
	)
	if attempt.Outcome == models.OutcomeSuccess {
		if token, err = f.issueToken(id.PrincipalID, id.Role, attempt.ID); err != nil {
			attempt.Detail = err.Error()
		}
	}
	if lerr := f.record(span, attempt); lerr != nil {
		return denied(attempt), fmt.Errorf("authenticate: %w", lerr)
	}

	if attempt.Outcome != models.OutcomeSuccess {
		return denied(attempt), nil
	}
	if err != nil {
		span.RecordError(err)
		return denied(attempt), err
	}
	return models.AuthResult{
		Status:    models.StatusSuccess,
		Reason:    models.OutcomeSuccess,
		Message:   grantedMessage,
		AttemptID: attempt.ID,
		Token:     token,
	}, nil
}

// Register creates a citizen identity. Attempts are throttled per principal
// and decoy principals are reported as already taken.
func (f *Facade) Register(ctx context.Context, principal, secret string) (models.Identity, error) {
	ctx, span := f.tracer.Start(ctx, "security.Register")
	defer span.End()

	norm := util.NormalizePrincipal(principal)
	if !f.limiter.Check(ctx, "register:"+norm).Admitted() {
		return models.Identity{}, ErrRateLimited
	}
	if err := f.checkInput(principal, secret); err != nil {
		return models.Identity{}, err
	}
	if f.sentinel.Inspect(norm) {
		logger.Warn("Register: attempt to claim decoy principal %s", util.MaskPrincipal(norm))
		return models.Identity{}, ErrDuplicateIdentity
	}

	id, err := f.vault.Register(ctx, norm, secret)
	if err != nil {
		span.RecordError(err)
		return models.Identity{}, err
	}
	f.publish(telemetry.SecurityEvent{
		Timestamp: id.CreatedAt,
		Type:      telemetry.EventRegistration,
		Principal: util.MaskPrincipal(id.PrincipalID),
		Outcome:   "created",
	})
	return id, nil
}

// ChangeSecret rotates a principal's secret. Checking the old secret is an
// authentication attempt like any other: it shares the origin's window, is
// also throttled per principal, trips the honeypot and is recorded before
// anything changes. Only an unusable new secret is rejected without a record.
func (f *Facade) ChangeSecret(ctx context.Context, principal, oldSecret, newSecret, origin string) (models.AuthResult, error) {
	ctx, span := f.tracer.Start(ctx, "security.ChangeSecret",
		trace.WithAttributes(attribute.String("auth.origin", origin)))
	defer span.End()

	if newSecret == "" {
		return models.AuthResult{}, ErrEmptySecret
	}
	if err := f.guard.CheckLength(newSecret); err != nil {
		return models.AuthResult{}, err
	}

	attempt := f.newAttempt(models.ActionChangeSecret, principal, origin)
	id := f.check(ctx, &attempt, principal, oldSecret, origin, "change:"+util.NormalizePrincipal(principal))
	if err := f.record(span, attempt); err != nil {
		return denied(attempt), fmt.Errorf("change secret: %w", err)
	}
	if attempt.Outcome != models.OutcomeSuccess {
		return denied(attempt), nil
	}
	if err := f.vault.replaceSecret(ctx, id, newSecret); err != nil {
		span.RecordError(err)
		return denied(attempt), err
	}
	return models.AuthResult{
		Status:    models.StatusSuccess,
		Reason:    models.OutcomeSuccess,
		Message:   secretChangedMessage,
		AttemptID: attempt.ID,
	}, nil
}

func (f *Facade) newAttempt(action models.AttemptAction, principal, origin string) models.AuthAttempt {
	return models.AuthAttempt{
		ID:          uuid.New(),
		Action:      action,
		Timestamp:   f.now().UTC(),
		Origin:      origin,
		PrincipalID: f.auditPrincipal(principal),
	}
}

// check decides the outcome of one attempt. Each throttle key is counted in
// turn until one denies. The alert it builds is attached to the attempt but
// not raised yet.
func (f *Facade) check(ctx context.Context, attempt *models.AuthAttempt, principal, secret string, keys ...string) models.Identity {
	for _, key := range keys {
		if !f.limiter.Check(ctx, key).Admitted() {
			attempt.Outcome = models.OutcomeRateLimited
			return models.Identity{}
		}
	}
	if f.sentinel.Inspect(principal) {
		f.trip(attempt, principal)
		return models.Identity{}
	}
	if err := f.checkInput(principal, secret); err != nil {
		attempt.Outcome = models.OutcomeBadCredential
		attempt.Detail = err.Error()
		attempt.Alert = f.loginFailure(*attempt, models.SeverityHigh)
		return models.Identity{}
	}
	id, ok := f.vault.verify(ctx, principal, secret)
	switch {
	case ok && id.Role == models.RoleDecoy:
		f.trip(attempt, principal)
		return models.Identity{}
	case ok:
		attempt.Outcome = models.OutcomeSuccess
		return id
	default:
		attempt.Outcome = models.OutcomeBadCredential
		attempt.Alert = f.loginFailure(*attempt, models.SeverityMedium)
		return models.Identity{}
	}
}

func (f *Facade) trip(attempt *models.AuthAttempt, principal string) {
	alert := f.sentinel.Flag(principal, attempt.Origin, attempt.Timestamp)
	attempt.Outcome = models.OutcomeHoneypotTriggered
	attempt.Alert = &alert
}

// record appends the attempt, then publishes it and raises its alert.
func (f *Facade) record(span trace.Span, attempt models.AuthAttempt) error {
	span.SetAttributes(
		attribute.String("auth.action", string(attempt.Action)),
		attribute.String("auth.outcome", string(attempt.Outcome)),
	)
	seq, err := f.ledger.Append(attempt)
	if err != nil {
		logger.Error("%s: attempt %s (%s) not recorded: %v", attempt.Action, attempt.ID, attempt.Outcome, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		return err
	}
	f.publish(telemetry.SecurityEvent{
		Timestamp: attempt.Timestamp,
		Type:      telemetry.EventAuthAttempt,
		AttemptID: attempt.ID.String(),
		Origin:    attempt.Origin,
		Principal: util.MaskPrincipal(attempt.PrincipalID),
		Outcome:   string(attempt.Outcome),
		AlertKind: alertKind(attempt.Alert),
		LedgerSeq: seq,
	})
	if a := attempt.Alert; a != nil {
		if a.Kind == models.AlertHoneypotTriggered {
			f.sentinel.Report(*a)
		} else if f.alerts != nil {
			f.alerts.Enqueue(*a)
		}
	}
	return nil
}

// Subscribe returns a channel of security events and a function that ends
// the subscription. Slow subscribers miss events rather than stall callers.
func (f *Facade) Subscribe(buffer int) (<-chan telemetry.SecurityEvent, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan telemetry.SecurityEvent, buffer)

	f.subMu.Lock()
	defer f.subMu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			defer f.subMu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
}

// DroppedEvents counts events no subscriber had room for.
func (f *Facade) DroppedEvents() uint64 { return f.dropped.Load() }

// Close ends every subscription.
func (f *Facade) Close() {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}

func (f *Facade) publish(ev telemetry.SecurityEvent) {
	f.subMu.RLock()
	defer f.subMu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *Facade) checkInput(principal, secret string) error {
	if err := f.guard.CheckPrincipal(principal); err != nil {
		return err
	}
	return f.guard.CheckLength(secret)
}

func (f *Facade) issueToken(principal string, role models.Role, attemptID uuid.UUID) (string, error) {
	if f.tokens == nil {
		return "", nil
	}
	tok, err := f.tokens.IssueSessionToken(principal, role, attemptID)
	if err != nil {
		logger.Error("Authenticate: %v: %v", ErrTokenIssue, err)
		return "", fmt.Errorf("%w: %v", ErrTokenIssue, err)
	}
	return tok, nil
}

func (f *Facade) loginFailure(attempt models.AuthAttempt, severity models.AlertSeverity) *models.Alert {
	return &models.Alert{
		ID:       uuid.New(),
		Kind:     models.AlertLoginFailure,
		Severity: severity,
		Payload: models.AlertPayload{
			Origin:      attempt.Origin,
			PrincipalID: attempt.PrincipalID,
			Timestamp:   attempt.Timestamp,
		},
		CreatedAt: attempt.Timestamp,
	}
}

// auditPrincipal bounds what an oversized principal puts into the ledger.
func (f *Facade) auditPrincipal(principal string) string {
	p := util.NormalizePrincipal(principal)
	if r := []rune(p); len(r) > f.guard.maxLen {
		return string(r[:f.guard.maxLen])
	}
	return p
}

func denied(attempt models.AuthAttempt) models.AuthResult {
	return models.AuthResult{
		Status:    models.StatusDenied,
		Reason:    attempt.Outcome,
		Message:   models.PublicDenyMessage,
		AttemptID: attempt.ID,
	}
}

func alertKind(a *models.Alert) string {
	if a == nil {
		return ""
	}
	return string(a.Kind)
}
