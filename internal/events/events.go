// Package events publishes run outcomes for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/sells-group/ledger-sync/internal/model"
)

// AccountOutcome summarizes what one run did to one account.
type AccountOutcome struct {
	AccountID  int64                 `json:"account_id"`
	ExternalID string                `json:"external_id"`
	Inserted   int                   `json:"inserted"`
	Renewed    int                   `json:"renewed"`
	Synthetic  int                   `json:"synthetic"`
	Integrity  model.IntegrityStatus `json:"integrity"`
	Delta      string                `json:"delta,omitempty"`
	Skipped    bool                  `json:"skipped,omitempty"`

	// OpeningAdjustment is the amount a deficit moved the opening balance.
	OpeningAdjustment string `json:"opening_adjustment,omitempty"`
}

// RunFinished is emitted once per access run, whatever its outcome.
type RunFinished struct {
	RunID             string           `json:"run_id"`
	CustomerID        int64            `json:"customer_id"`
	AccessID          int64            `json:"access_id"`
	FinancialEntityID string           `json:"financial_entity_id"`
	Code              model.ResultCode `json:"code"`
	Error             string           `json:"error,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	Accounts          []AccountOutcome `json:"accounts,omitempty"`
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, ev RunFinished) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, RunFinished) error { return nil }
func (Nop) Close() error                               { return nil }
