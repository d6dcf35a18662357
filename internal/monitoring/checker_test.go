package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ledger-sync/internal/config"
	"github.com/sells-group/ledger-sync/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(newTestCollector(&mockStore{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&mockStore{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	// Zero interval falls back to the default; a cancelled ctx returns at once.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsOnlyNewAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := &mockStore{flagged: []model.Account{{ID: 70}}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, FailureRateThreshold: 0.5}
	checker := NewChecker(newTestCollector(st), NewAlerter(cfg), cfg)

	alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, int32(1), received.Load())

	// Same state: still firing, not resent.
	alerts, err = checker.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, int32(1), received.Load())

	// A second flagged account changes the message.
	st.flagged = append(st.flagged, model.Account{ID: 71})
	_, err = checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), received.Load())

	// Cleared, then flagged again: sent again.
	st.flagged = nil
	_, err = checker.Check(context.Background())
	require.NoError(t, err)
	st.flagged = []model.Account{{ID: 70}}
	_, err = checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), received.Load())
}
