package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ledger-sync/internal/model"
)

// MetricsSnapshot holds a point-in-time view of scheduler health.
type MetricsSnapshot struct {
	AccessTotal int `json:"access_total"`

	// Runs finished within the lookback window, by outcome.
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Collisions int     `json:"collisions"`
	FailRate   float64 `json:"fail_rate"`

	InProgress        int     `json:"in_progress"`
	StaleAccessIDs    []int64 `json:"stale_access_ids,omitempty"`
	BlockedAccessIDs  []int64 `json:"blocked_access_ids,omitempty"`
	FlaggedAccountIDs []int64 `json:"flagged_account_ids,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StateSource is the part of the store the collector reads.
type StateSource interface {
	ListAccessStates(ctx context.Context) ([]model.AccessState, error)
	ListFlaggedAccounts(ctx context.Context) ([]model.Account, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store          StateSource
	maxRunDuration time.Duration
	now            func() time.Time
}

// NewCollector creates a new metrics collector. maxRunDuration is the
// threshold past which an in-progress run counts as stale.
func NewCollector(st StateSource, maxRunDuration time.Duration) *Collector {
	return &Collector{store: st, maxRunDuration: maxRunDuration, now: time.Now}
}

// Collect gathers a snapshot of scheduler metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	states, err := c.store.ListAccessStates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list access states")
	}
	snap.AccessTotal = len(states)

	for _, s := range states {
		if s.InProgress {
			snap.InProgress++
			if s.Stale(now, c.maxRunDuration) {
				snap.StaleAccessIDs = append(snap.StaleAccessIDs, s.AccessID)
			}
		}
		if s.LastResultCode.Blocking() {
			snap.BlockedAccessIDs = append(snap.BlockedAccessIDs, s.AccessID)
		}
		if s.LastFinishedAt == nil || s.LastFinishedAt.Before(cutoff) {
			continue
		}
		switch {
		case s.LastResultCode.Succeeded():
			snap.Succeeded++
		case s.LastResultCode.Aborted():
			if s.LastResultCode == model.ResultEqualAccessCollision {
				snap.Collisions++
			}
		default:
			snap.Failed++
		}
	}

	if finished := snap.Succeeded + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	flagged, err := c.store.ListFlaggedAccounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list flagged accounts")
	}
	for _, a := range flagged {
		snap.FlaggedAccountIDs = append(snap.FlaggedAccountIDs, a.ID)
	}

	return snap, nil
}
