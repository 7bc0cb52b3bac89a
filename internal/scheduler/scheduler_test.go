package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/lorapark/control-plane/internal/app/core/service"
)

func TestAddJobSkipsNonPositiveInterval(t *testing.T) {
	s := &Scheduler{}
	c := cron.New()

	s.addJob(c, "disabled", 0, func(ctx context.Context) {})
	assert.Empty(t, c.Entries())
}

func TestAddJobRegistersPositiveInterval(t *testing.T) {
	s := &Scheduler{}
	c := cron.New()

	s.addJob(c, "spool-drain", time.Minute, func(ctx context.Context) {})
	require.Len(t, c.Entries(), 1)
}

func TestDefaultConfigMatchesNamedIntervals(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.SpoolDrainInterval)
	assert.Equal(t, 120*time.Second, cfg.ReconciliationInterval)
	assert.Equal(t, 300*time.Second, cfg.QueueCleanupInterval)
	assert.Equal(t, 60*time.Second, cfg.ReservationExpiryInterval)
	assert.Equal(t, 24*time.Hour, cfg.RetentionSweepInterval)

	assert.Equal(t, 30*24*time.Hour, cfg.SensorReadingRetention)
	assert.Equal(t, 90*24*time.Hour, cfg.AuditRetention)
	assert.Equal(t, 30*24*time.Hour, cfg.OrphanInactiveRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenGrace)
}

func TestDescriptorNamesEngineLayer(t *testing.T) {
	s := &Scheduler{}
	d := s.Descriptor()

	assert.Equal(t, "scheduler", s.Name())
	assert.Equal(t, "scheduler", d.Name)
	assert.Equal(t, core.LayerEngine, d.Layer)
	assert.Contains(t, d.Capabilities, "retention")
}
