package models

import (
	"time"

	"github.com/google/uuid"
)

// Role of a principal. Decoy principals exist only to be attacked.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleAdmin   Role = "admin"
	RoleDecoy   Role = "decoy"
)

// Identity is a registered principal. Only the salt and digest of the
// secret are kept.
type Identity struct {
	PrincipalID string    `json:"principal_id"`
	Role        Role      `json:"role"`
	SecretHash  string    `json:"-"`
	Salt        string    `json:"-"`
	Scheme      string    `json:"scheme"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outcome of a single authentication attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeBadCredential     Outcome = "bad_credential"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeHoneypotTriggered Outcome = "honeypot_triggered"
)

// AttemptAction names the operation that checked a credential.
type AttemptAction string

const (
	ActionLogin        AttemptAction = "login"
	ActionChangeSecret AttemptAction = "change_secret"
)

// AuthAttempt is the audit record written for every credential check.
type AuthAttempt struct {
	ID          uuid.UUID     `json:"id"`
	Action      AttemptAction `json:"action"`
	Timestamp   time.Time     `json:"timestamp"`
	Origin      string        `json:"origin"`
	PrincipalID string        `json:"principal_id"`
	Outcome     Outcome       `json:"outcome"`
	Detail      string        `json:"detail,omitempty"`
	Alert       *Alert        `json:"alert,omitempty"`
}

func (a AuthAttempt) LedgerKind() string    { return "auth_attempt" }
func (a AuthAttempt) LedgerTime() time.Time { return a.Timestamp }

// AlertKind classifies alerts for delivery and queue eviction.
type AlertKind string

const (
	AlertLoginFailure      AlertKind = "login_failure"
	AlertHoneypotTriggered AlertKind = "honeypot_triggered"
)

// AlertSeverity mirrors incident severities.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
)

type AlertPayload struct {
	Origin      string    `json:"origin"`
	PrincipalID string    `json:"principal_id"`
	Timestamp   time.Time `json:"timestamp"`
	Hits        int       `json:"hits,omitempty"`
}

// Alert is produced by security checks and delivered asynchronously.
type Alert struct {
	ID        uuid.UUID     `json:"id"`
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Payload   AlertPayload  `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

func (a Alert) LedgerKind() string    { return "alert" }
func (a Alert) LedgerTime() time.Time { return a.CreatedAt }

// AuthStatus is what the caller is allowed to see.
type AuthStatus string

const (
	StatusSuccess AuthStatus = "success"
	StatusDenied  AuthStatus = "denied"
)

// PublicDenyMessage is the only thing a denied caller learns.
const PublicDenyMessage = "access denied"

// AuthResult is returned by Authenticate. Reason is for audit only and must
// not be shown to the end user.
type AuthResult struct {
	Status    AuthStatus `json:"status"`
	Reason    Outcome    `json:"-"`
	Message   string     `json:"message"`
	AttemptID uuid.UUID  `json:"-"`
	Token     string     `json:"token,omitempty"`
}

func (r AuthResult) Granted() bool { return r.Status == StatusSuccess }
