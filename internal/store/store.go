// Package store persists accesses, run state, accounts and the append-only
// transaction ledger.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/ledger-sync/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// WorkFilter selects the accesses of one scheduling cycle.
type WorkFilter struct {
	// CustomerID restricts work to one customer when non-zero.
	CustomerID int64
	// AccessIDs restricts work to the listed accesses when non-empty.
	AccessIDs []int64
	// IncludeBlocked admits accesses whose last result needs a human
	// (bad credentials, extra authentication). Set for explicit requests.
	IncludeBlocked bool

	Now        time.Time
	StaleAfter time.Duration
}

// CommitRequest is everything written for one account in one transaction.
type CommitRequest struct {
	AccountID int64
	Inserts   []model.NewRecord

	Balance   decimal.Decimal
	BalanceAt time.Time

	// OpeningBalance is set on the account's first commit.
	OpeningBalance *decimal.Decimal
	// OpeningAdjustment is added to the existing opening balance.
	OpeningAdjustment decimal.Decimal
}

// Store defines the persistence interface of the sync engine.
type Store interface {
	// Accesses and run state
	RegisterAccess(ctx context.Context, a model.Access) (int64, error)
	EligibleWork(ctx context.Context, f WorkFilter) ([]model.AccessWorkItem, error)
	IsAnyEqualAccessInProgress(ctx context.Context, accessID int64, now time.Time, staleAfter time.Duration) (bool, error)
	TryClaim(ctx context.Context, accessID int64, runID string, startedAt time.Time, staleAfter time.Duration) (bool, error)
	SetRunState(ctx context.Context, rs model.RunState) error
	// AbortRun records the outcome of a run that never claimed the access.
	// It leaves an access that some other worker holds untouched.
	AbortRun(ctx context.Context, accessID int64, code model.ResultCode, startedAt, finishedAt time.Time) error
	StartCustomer(ctx context.Context, customerID int64, at time.Time) error
	FinishCustomer(ctx context.Context, customerID int64, at time.Time) error
	ListAccessStates(ctx context.Context) ([]model.AccessState, error)

	// Accounts and ledger
	EnsureAccount(ctx context.Context, accessID int64, snap model.AccountSnapshot) (*model.Account, error)
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	ListFlaggedAccounts(ctx context.Context) ([]model.Account, error)
	SetAccountScraping(ctx context.Context, accountID int64, balance, transactions bool) error
	LedgerWindow(ctx context.Context, accountID int64, from, to time.Time) ([]model.TransactionRecord, error)
	LedgerBalance(ctx context.Context, accountID int64) (balance decimal.Decimal, hasHistory bool, err error)
	LedgerRows(ctx context.Context, accountID int64) ([]model.TransactionRecord, error)
	Commit(ctx context.Context, req CommitRequest) error
	FlagIntegrity(ctx context.Context, accountID int64, delta decimal.Decimal) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// blockingCodes are excluded from automatic scheduling.
var blockingCodes = []string{
	string(model.ResultCredentialsError),
	string(model.ResultAdditionalAuthRequired),
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "store: parse decimal %q", s)
	}
	return d, nil
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// Open connects to the backend named by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, url string, pool *PoolConfig) (Store, error) {
	switch driver {
	case "sqlite":
		if url == "" {
			url = "ledger.db"
		}
		st, err := NewSQLite(url)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		if url == "" {
			return nil, eris.New("store: postgres requires a database url")
		}
		st, err := NewPostgres(ctx, url, pool)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("store: unsupported driver %q", driver)
	}
}
