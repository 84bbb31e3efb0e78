package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// AlertSink receives alerts for asynchronous delivery. Enqueue must not block.
type AlertSink interface {
	Enqueue(alert models.Alert)
}

// HoneypotSentinel recognizes decoy principals. Any attempt on a decoy is an
// intrusion signal and is never granted.
type HoneypotSentinel struct {
	decoys map[string]struct{}
	alerts AlertSink

	mu   sync.Mutex
	hits map[string]int
}

func NewHoneypotSentinel(identities []string, alerts AlertSink) *HoneypotSentinel {
	s := &HoneypotSentinel{
		decoys: make(map[string]struct{}, len(identities)),
		alerts: alerts,
		hits:   make(map[string]int),
	}
	for _, id := range identities {
		if id = util.NormalizePrincipal(id); id != "" {
			s.decoys[id] = struct{}{}
		}
	}
	return s
}

// Inspect reports whether principal is a decoy.
func (s *HoneypotSentinel) Inspect(principal string) bool {
	_, ok := s.decoys[util.NormalizePrincipal(principal)]
	return ok
}

// Flag builds a critical honeypot alert and counts the hit against origin.
// The alert goes out through Report once the attempt is on record.
func (s *HoneypotSentinel) Flag(principal, origin string, at time.Time) models.Alert {
	s.mu.Lock()
	s.hits[origin]++
	hits := s.hits[origin]
	s.mu.Unlock()

	alert := models.Alert{
		ID:       uuid.New(),
		Kind:     models.AlertHoneypotTriggered,
		Severity: models.SeverityCritical,
		Payload: models.AlertPayload{
			Origin:      origin,
			PrincipalID: util.NormalizePrincipal(principal),
			Timestamp:   at.UTC(),
			Hits:        hits,
		},
		CreatedAt: at.UTC(),
	}
	logger.Warn("HONEYPOT TRIGGERED: principal=%s origin=%s hits=%d", alert.Payload.PrincipalID, origin, hits)
	return alert
}

// Report hands a honeypot alert to the dispatcher.
func (s *HoneypotSentinel) Report(alert models.Alert) {
	if s.alerts != nil {
		s.alerts.Enqueue(alert)
	}
}

// Hits returns how often origin touched a decoy.
func (s *HoneypotSentinel) Hits(origin string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[origin]
}

// Decoys returns the configured decoy principals, sorted.
func (s *HoneypotSentinel) Decoys() []string {
	out := make([]string, 0, len(s.decoys))
	for id := range s.decoys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Seed registers every decoy in the vault with a random secret so that the
// decoy principals cannot be claimed by a real registration.
func (s *HoneypotSentinel) Seed(ctx context.Context, v *CredentialVault) error {
	for _, id := range s.Decoys() {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		_, err := v.register(ctx, id, hex.EncodeToString(buf), models.RoleDecoy)
		if err != nil && !errors.Is(err, ErrDuplicateIdentity) {
			return err
		}
	}
	logger.Info("Honeypot: %d decoy principal(s) armed", len(s.decoys))
	return nil
}
