package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *recordingSink) Enqueue(a models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) all() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert(nil), s.alerts...)
}

func TestHoneypot_Inspect(t *testing.T) {
	s := NewHoneypotSentinel([]string{"999999", " admin-backup ", ""}, nil)
	assert.True(t, s.Inspect("999999"))
	assert.True(t, s.Inspect(" 999999\n"))
	assert.True(t, s.Inspect("admin-backup"))
	assert.False(t, s.Inspect("99999"))
	assert.False(t, s.Inspect(""))
	assert.Equal(t, []string{"999999", "admin-backup"}, s.Decoys())
}

func TestHoneypot_FlagBuildsCriticalAlert(t *testing.T) {
	sink := &recordingSink{}
	s := NewHoneypotSentinel([]string{"999999"}, sink)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))

	a1 := s.Flag("999999", "10.1.1.1", at)
	a2 := s.Flag("999999", "10.1.1.1", at)

	assert.Empty(t, sink.all(), "flagging alone raises nothing")
	s.Report(a1)
	s.Report(a2)
	require.Len(t, sink.all(), 2)
	assert.Equal(t, models.AlertHoneypotTriggered, a1.Kind)
	assert.Equal(t, models.SeverityCritical, a1.Severity)
	assert.Equal(t, "10.1.1.1", a1.Payload.Origin)
	assert.Equal(t, "999999", a1.Payload.PrincipalID)
	assert.Equal(t, time.UTC, a1.Payload.Timestamp.Location())
	assert.Equal(t, 1, a1.Payload.Hits)
	assert.Equal(t, 2, a2.Payload.Hits)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Equal(t, 2, s.Hits("10.1.1.1"))
	assert.Zero(t, s.Hits("10.9.9.9"))
}

func TestHoneypot_SeedBlocksRegistration(t *testing.T) {
	ctx := context.Background()
	v, repo := newTestVault(t, SchemeSHA256)
	s := NewHoneypotSentinel([]string{"999999"}, nil)

	require.NoError(t, s.Seed(ctx, v))
	require.NoError(t, s.Seed(ctx, v), "seeding twice is harmless")

	id, err := repo.Get(ctx, "999999")
	require.NoError(t, err)
	assert.Equal(t, models.RoleDecoy, id.Role)

	_, err = v.Register(ctx, "999999", "123456")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.False(t, v.Verify(ctx, "999999", "123456"))
}

func TestHoneypot_FlagLogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer logger.ReplaceCore(core)()

	s := NewHoneypotSentinel([]string{"999999"}, nil)
	s.Flag("999999", "10.2.2.2", time.Now())

	entries := logs.FilterMessageSnippet("HONEYPOT TRIGGERED").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "origin=10.2.2.2")
}
