package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satlink-project/satlink/internal/config"
)

type fakeStore struct {
	sessionCutoff time.Time
	alertCutoff   time.Time
	pruneErr      error
	calls         int
}

func (f *fakeStore) PruneSessions(_ context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.sessionCutoff = cutoff
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	return 4, nil
}

func (f *fakeStore) CleanOldAlerts(_ context.Context, cutoff time.Time) (int64, error) {
	f.alertCutoff = cutoff
	return 2, nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Directory = t.TempDir()
	cfg.Logging.MaxBackups = 2
	cfg.Database.RetentionDays = 7
	return cfg
}

func TestRunMaintenance(t *testing.T) {
	cfg := testConfig(t)
	for _, day := range []string{"01", "02", "03", "04"} {
		name := filepath.Join(cfg.Logging.Directory, "satlink_2026-01-"+day+".log")
		require.NoError(t, os.WriteFile(name, []byte("{}\n"), 0644))
	}

	store := &fakeStore{}
	s := NewScheduler(cfg, store)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	res := s.RunMaintenance(context.Background())
	assert.Equal(t, Result{Sessions: 4, Alerts: 2, Logs: 2}, res)
	assert.Equal(t, now.Add(-7*24*time.Hour), store.sessionCutoff)
	assert.Equal(t, store.sessionCutoff, store.alertCutoff)

	left, err := os.ReadDir(cfg.Logging.Directory)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestRetentionDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.RetentionDays = 0
	store := &fakeStore{}

	NewScheduler(cfg, store).RunMaintenance(context.Background())
	assert.Zero(t, store.calls)
}

func TestPruneErrorDoesNotStopRun(t *testing.T) {
	store := &fakeStore{pruneErr: errors.New("database is locked")}
	res := NewScheduler(testConfig(t), store).RunMaintenance(context.Background())
	assert.Zero(t, res.Sessions)
	assert.EqualValues(t, 2, res.Alerts)
}

func TestNilStore(t *testing.T) {
	res := NewScheduler(testConfig(t), nil).RunMaintenance(context.Background())
	assert.Equal(t, Result{}, res)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	store := &fakeStore{}
	s := NewScheduler(testConfig(t), store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	// the first run happens before the first tick
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, store.calls)
}
