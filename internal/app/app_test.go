package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
)

func TestNew_MemoryBackendWiresComponents(t *testing.T) {
	cfg := config.Config{
		StateBackend: "memory",
		Sites:        config.Sites{domain.SiteCOM: {BaseURL: "https://example.com", ConsumerKey: "ck", ConsumerSec: "cs"}},
		Diff:         config.DiffConfig{Interval: time.Hour, BackfillConcurrency: 2},
		Worker:       config.WorkerConfig{MaxPerClaim: 7},
	}

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.NotNil(t, a.Differ.Backfill)
	assert.Equal(t, 7, a.Runner().MaxPerClaim)
	assert.Equal(t, time.Hour, a.Scheduler().Interval)
	assert.NotNil(t, a.Gateway())
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.Config{StateBackend: "mongo"}, logging.Discard())
	require.Error(t, err)
}

func TestRetryPolicy_Overrides(t *testing.T) {
	p := RetryPolicy(config.RetryConfig{MaxAttempts: 4, BaseDelay: 2 * time.Second})
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	assert.NotNil(t, p.Retryable)
}
