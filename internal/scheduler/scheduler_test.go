package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/events"
	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/monitoring"
	"github.com/sells-group/ledger-sync/internal/reconcile"
	"github.com/sells-group/ledger-sync/internal/store"
)

var clock = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return clock }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func register(t *testing.T, st store.Store, customer int64, entity, creds string) int64 {
	t.Helper()
	id, err := st.RegisterAccess(context.Background(), model.Access{
		CustomerID: customer, FinancialEntityID: entity, CredentialsRef: creds, Enabled: true,
	})
	require.NoError(t, err)
	return id
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// descendingBatch is two records listed newest first with running balances.
func descendingBatch() []model.ParsedTransaction {
	return []model.ParsedTransaction{
		{OperationDate: date("2024-01-02"), ValueDate: date("2024-01-02"), Description: "card payment", Amount: d("-10"), RunningBalance: dp("90")},
		{OperationDate: date("2024-01-01"), ValueDate: date("2024-01-01"), Description: "salary", Amount: d("100"), RunningBalance: dp("100")},
	}
}

func accountResult(balance string, pages ...[]model.ParsedTransaction) adapter.AccountResult {
	return adapter.AccountResult{
		Snapshot: model.AccountSnapshot{ExternalID: "ACC-1", Currency: "EUR", Balance: d(balance)},
		Pages:    adapter.StaticPages(pages...),
	}
}

func testConfig(adapters adapter.Registry) Config {
	return Config{
		Adapters:              adapters,
		CustomerConcurrency:   2,
		AccessConcurrency:     2,
		CollisionPollInterval: time.Millisecond,
		CollisionPollCeiling:  3,
		MaxRunDuration:        time.Hour,
		DefaultLookback:       90 * 24 * time.Hour,
		IncrementalOverlap:    7 * 24 * time.Hour,
		Tolerance:             d("0.01"),
		WindowSlack:           3 * 24 * time.Hour,
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []monitoring.Alert
}

func (n *recordingNotifier) SendAlerts(_ context.Context, alerts []monitoring.Alert) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alerts...)
	return len(alerts)
}

func (n *recordingNotifier) types() []monitoring.AlertType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []monitoring.AlertType
	for _, a := range n.alerts {
		out = append(out, a.Type)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.RunFinished
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.RunFinished) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func accessState(t *testing.T, st store.Store, id int64) model.AccessState {
	t.Helper()
	states, err := st.ListAccessStates(context.Background())
	require.NoError(t, err)
	for _, s := range states {
		if s.AccessID == id {
			return s
		}
	}
	t.Fatalf("access %d not found", id)
	return model.AccessState{}
}

func TestRun_EndToEndDescendingBatch(t *testing.T) {
	st := newTestStore(t)
	id := register(t, st, 1, "acme", "c1")

	var got adapter.Request
	reg := adapter.Registry{"acme": adapter.Func(func(_ context.Context, req adapter.Request) adapter.Result {
		got = req
		return adapter.OK(accountResult("90", descendingBatch()))
	})}
	pub := &recordingPublisher{}
	s := New(st, testConfig(reg), WithClock(fixedClock), WithPublisher(pub))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.NoError(t, sum.Err)
	require.Len(t, sum.Outcomes, 1)
	out := sum.Outcomes[0]
	assert.Equal(t, model.ResultOK, out.Code)
	assert.NoError(t, out.Err)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, 2, out.Accounts[0].Inserted)
	assert.Equal(t, model.IntegrityOK, out.Accounts[0].Integrity)

	assert.Equal(t, date("2023-10-12"), got.DateFrom)
	assert.Equal(t, date("2024-01-10"), got.DateTo)
	assert.Equal(t, "c1", got.CredentialsRef)

	rows, err := st.LedgerRows(context.Background(), out.Accounts[0].AccountID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].OperationDate.Equal(date("2024-01-01")))
	assert.True(t, rows[0].Amount.Equal(d("100")))
	assert.True(t, rows[1].Amount.Equal(d("-10")))
	for _, r := range rows {
		assert.Nil(t, r.RenewsID)
		assert.True(t, r.CreatedAt.Equal(clock))
	}

	acct, err := st.GetAccount(context.Background(), out.Accounts[0].AccountID)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("90")))
	assert.True(t, acct.OpeningBalance.IsZero())
	assert.False(t, acct.ScrapingBalance)
	assert.False(t, acct.ScrapingTransactions)

	state := accessState(t, st, id)
	assert.False(t, state.InProgress)
	assert.Equal(t, model.ResultOK, state.LastResultCode)
	require.NotNil(t, state.LastSuccessAt)

	require.Len(t, pub.events, 1)
	assert.Equal(t, id, pub.events[0].AccessID)
	assert.Equal(t, model.ResultOK, pub.events[0].Code)
	assert.Equal(t, out.RunID, pub.events[0].RunID)
}

func TestRun_RerunIsIdempotentAndIncremental(t *testing.T) {
	st := newTestStore(t)
	register(t, st, 1, "acme", "c1")

	var reqs []adapter.Request
	reg := adapter.Registry{"acme": adapter.Func(func(_ context.Context, req adapter.Request) adapter.Result {
		reqs = append(reqs, req)
		return adapter.OK(accountResult("90", descendingBatch()))
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	first := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	second := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, model.ResultOK, second.Outcomes[0].Code)
	assert.Equal(t, 0, second.Outcomes[0].Accounts[0].Inserted)

	rows, err := st.LedgerRows(context.Background(), first.Outcomes[0].Accounts[0].AccountID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.Len(t, reqs, 2)
	// Second window starts at the last success minus the overlap.
	assert.Equal(t, date("2024-01-03"), reqs[1].DateFrom)
}

func TestRun_DateFromOverride(t *testing.T) {
	st := newTestStore(t)
	register(t, st, 1, "acme", "c1")

	var got adapter.Request
	reg := adapter.Registry{"acme": adapter.Func(func(_ context.Context, req adapter.Request) adapter.Result {
		got = req
		return adapter.OK()
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers, DateFrom: time.Date(2023, 12, 1, 15, 0, 0, 0, time.UTC)})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultOK, sum.Outcomes[0].Code)
	assert.Equal(t, date("2023-12-01"), got.DateFrom)
}

func TestRun_EqualAccessCollision(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := register(t, st, 1, "acme", "shared")
	b := register(t, st, 2, "acme", "shared")

	ok, err := st.TryClaim(ctx, a, "other-worker", clock, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	var calls atomic.Int32
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		calls.Add(1)
		return adapter.OK()
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.NoError(t, sum.Err)
	require.Len(t, sum.Outcomes, 1)
	out := sum.Outcomes[0]
	assert.Equal(t, b, out.AccessID)
	assert.Equal(t, model.ResultEqualAccessCollision, out.Code)
	assert.ErrorIs(t, out.Err, ErrEqualAccessBusy)
	assert.Equal(t, int32(0), calls.Load())

	assert.Equal(t, model.ResultEqualAccessCollision, accessState(t, st, b).LastResultCode)
	held := accessState(t, st, a)
	assert.True(t, held.InProgress)
	assert.Equal(t, "other-worker", held.RunID)
}

func TestRun_EqualAccessesNeverOverlap(t *testing.T) {
	st := newTestStore(t)
	register(t, st, 1, "acme", "shared")
	register(t, st, 2, "acme", "shared")
	register(t, st, 3, "acme", "own")

	var inFlight, maxShared atomic.Int32
	reg := adapter.Registry{"acme": adapter.Func(func(_ context.Context, req adapter.Request) adapter.Result {
		if req.CredentialsRef == "shared" {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxShared.Load()
				if n <= m || maxShared.CompareAndSwap(m, n) {
					break
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
		return adapter.OK()
	})}
	cfg := testConfig(reg)
	cfg.CustomerConcurrency = 3
	cfg.CollisionPollCeiling = 1000
	s := New(st, cfg, WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 3)
	assert.Equal(t, 3, sum.Count(model.ResultOK))
	assert.Equal(t, int32(1), maxShared.Load())
}

func TestRun_SequentialWhenConcurrencyIsOne(t *testing.T) {
	st := newTestStore(t)
	for c := int64(1); c <= 3; c++ {
		register(t, st, c, "acme", "own")
		register(t, st, c, "globex", "own")
	}

	var inFlight, peak atomic.Int32
	slow := adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := peak.Load()
			if n <= m || peak.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return adapter.OK()
	})
	cfg := testConfig(adapter.Registry{"acme": slow, "globex": slow})
	cfg.CustomerConcurrency = 1
	cfg.AccessConcurrency = 1
	s := New(st, cfg, WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	assert.Len(t, sum.Outcomes, 6)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_OneCustomerAndSpecificAccesses(t *testing.T) {
	st := newTestStore(t)
	a1 := register(t, st, 1, "acme", "c1")
	a2 := register(t, st, 1, "acme", "c2")
	b1 := register(t, st, 2, "acme", "c3")

	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK()
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: OneCustomer, CustomerID: 1})
	require.Len(t, sum.Outcomes, 2)
	assert.Equal(t, a1, sum.Outcomes[0].AccessID)
	assert.Equal(t, a2, sum.Outcomes[1].AccessID)

	sum = s.Run(context.Background(), Request{Mode: SpecificAccessesAcrossCustomers, AccessIDs: []int64{a2, b1, 999}})
	require.Len(t, sum.Outcomes, 2)
	assert.Equal(t, a2, sum.Outcomes[0].AccessID)
	assert.Equal(t, b1, sum.Outcomes[1].AccessID)
}

func TestRun_RequestValidation(t *testing.T) {
	s := New(newTestStore(t), testConfig(nil), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: OneCustomer})
	assert.ErrorContains(t, sum.Err, "customer id")

	sum = s.Run(context.Background(), Request{Mode: SpecificAccessesAcrossCustomers})
	assert.ErrorContains(t, sum.Err, "access ids")

	sum = s.Run(context.Background(), Request{Mode: Mode(42)})
	assert.ErrorContains(t, sum.Err, "unknown mode")
}

func TestRun_CredentialsErrorBlocksAutomaticRuns(t *testing.T) {
	st := newTestStore(t)
	id := register(t, st, 1, "acme", "bad")

	var calls atomic.Int32
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		calls.Add(1)
		return adapter.Failed(adapter.ErrCredentials)
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultCredentialsError, sum.Outcomes[0].Code)
	assert.Equal(t, model.ResultCredentialsError, accessState(t, st, id).LastResultCode)

	sum = s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	assert.Empty(t, sum.Outcomes)

	sum = s.Run(context.Background(), Request{Mode: SpecificAccessesAcrossCustomers, AccessIDs: []int64{id}})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_AdditionalAuthAlerts(t *testing.T) {
	st := newTestStore(t)
	register(t, st, 1, "acme", "otp")

	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.Failed(adapter.ErrAdditionalAuth)
	})}
	n := &recordingNotifier{}
	s := New(st, testConfig(reg), WithClock(fixedClock), WithNotifier(n))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultAdditionalAuthRequired, sum.Outcomes[0].Code)
	assert.Equal(t, []monitoring.AlertType{monitoring.AlertAdditionalAuth}, n.types())
}

func TestRun_PanicBecomesUnhandledFailure(t *testing.T) {
	st := newTestStore(t)
	id := register(t, st, 1, "acme", "c1")

	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		panic("parser exploded")
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultUnhandledFailure, sum.Outcomes[0].Code)
	assert.ErrorContains(t, sum.Outcomes[0].Err, "parser exploded")

	state := accessState(t, st, id)
	assert.False(t, state.InProgress)
	assert.Equal(t, model.ResultUnhandledFailure, state.LastResultCode)
	assert.Nil(t, state.LastSuccessAt)
}

func TestRun_NoAdapter(t *testing.T) {
	st := newTestStore(t)
	id := register(t, st, 1, "unknown-bank", "c1")

	s := New(st, testConfig(adapter.Registry{}), WithClock(fixedClock))
	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultNoAdapter, sum.Outcomes[0].Code)
	assert.Equal(t, model.ResultNoAdapter, accessState(t, st, id).LastResultCode)
}

func TestRun_CancelledRunIsRecorded(t *testing.T) {
	st := newTestStore(t)
	id := register(t, st, 1, "acme", "c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := adapter.Registry{"acme": adapter.Func(func(ctx context.Context, _ adapter.Request) adapter.Result {
		cancel()
		return adapter.Failed(ctx.Err())
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultCancelled, sum.Outcomes[0].Code)

	state := accessState(t, st, id)
	assert.False(t, state.InProgress)
	assert.Equal(t, model.ResultCancelled, state.LastResultCode)
}

func TestRun_SurplusFlagsAccountUntilForced(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	register(t, st, 1, "acme", "c1")

	balance := "90"
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK(accountResult(balance, descendingBatch()))
	})}
	n := &recordingNotifier{}
	s := New(st, testConfig(reg), WithClock(fixedClock), WithNotifier(n))

	first := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.Equal(t, model.ResultOK, first.Outcomes[0].Code)
	accountID := first.Outcomes[0].Accounts[0].AccountID

	// Ledger says 90, source now says 50.
	balance = "50"
	sum := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultBalanceSurplus, sum.Outcomes[0].Code)
	assert.Equal(t, model.IntegritySurplus, sum.Outcomes[0].Accounts[0].Integrity)
	assert.Equal(t, "-40", sum.Outcomes[0].Accounts[0].Delta)
	assert.Equal(t, []monitoring.AlertType{monitoring.AlertBalanceSurplus}, n.types())

	acct, err := st.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, acct.IntegrityError)
	assert.True(t, acct.Balance.Equal(d("90")))
	assert.False(t, acct.ScrapingBalance)

	// Flagged accounts are skipped on automatic runs.
	balance = "90"
	sum = s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultBalanceSurplus, sum.Outcomes[0].Code)
	assert.True(t, sum.Outcomes[0].Accounts[0].Skipped)

	sum = s.Run(ctx, Request{Mode: AllEligibleCustomers, ForceIntegrity: true})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultOK, sum.Outcomes[0].Code)

	acct, err = st.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, acct.IntegrityError)

	rows, err := st.LedgerRows(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_DeficitAdjustsOpeningBalance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	register(t, st, 1, "acme", "c1")

	balance := "90"
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK(accountResult(balance, descendingBatch()))
	})}
	pub := &recordingPublisher{}
	s := New(st, testConfig(reg), WithClock(fixedClock), WithPublisher(pub))

	first := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	accountID := first.Outcomes[0].Accounts[0].AccountID
	assert.Empty(t, first.Outcomes[0].Accounts[0].OpeningAdjustment)

	balance = "100"
	sum := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultBalanceDeficit, sum.Outcomes[0].Code)
	assert.Equal(t, "10", sum.Outcomes[0].Accounts[0].OpeningAdjustment)

	require.Len(t, pub.events, 2)
	require.Len(t, pub.events[1].Accounts, 1)
	assert.Equal(t, model.IntegrityDeficit, pub.events[1].Accounts[0].Integrity)
	assert.Equal(t, "10", pub.events[1].Accounts[0].OpeningAdjustment)

	acct, err := st.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, acct.OpeningBalance.Equal(d("10")))
	assert.True(t, acct.Balance.Equal(d("100")))

	state := accessState(t, st, sum.Outcomes[0].AccessID)
	assert.NotNil(t, state.LastSuccessAt)
}

func TestRun_FirstCommitDeficitFoldsIntoOpening(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	register(t, st, 1, "acme", "c1")

	// Running balances imply an opening of 0 but the source reports 95.
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK(accountResult("95", descendingBatch()))
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(ctx, Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultBalanceDeficit, sum.Outcomes[0].Code)

	assert.Equal(t, "5", sum.Outcomes[0].Accounts[0].OpeningAdjustment)

	acct, err := st.GetAccount(ctx, sum.Outcomes[0].Accounts[0].AccountID)
	require.NoError(t, err)
	assert.True(t, acct.OpeningBalance.Equal(d("5")))
}

func TestRun_PagedBatchWithOverlap(t *testing.T) {
	st := newTestStore(t)
	register(t, st, 1, "acme", "c1")

	batch := descendingBatch()
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		// The second page repeats the tail of the first.
		return adapter.OK(accountResult("90", batch[:1], batch))
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultOK, sum.Outcomes[0].Code)
	assert.Equal(t, 2, sum.Outcomes[0].Accounts[0].Inserted)
}

func TestRun_PageErrorFailsAccess(t *testing.T) {
	st := newTestStore(t)
	id := register(t, st, 1, "acme", "c1")

	pages := func(yield func([]model.ParsedTransaction, error) bool) {
		if !yield(descendingBatch()[:1], nil) {
			return
		}
		yield(nil, assert.AnError)
	}
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK(adapter.AccountResult{
			Snapshot: model.AccountSnapshot{ExternalID: "ACC-1", Currency: "EUR", Balance: d("90")},
			Pages:    pages,
		})
	})}
	s := New(st, testConfig(reg), WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultUnhandledFailure, sum.Outcomes[0].Code)
	assert.Equal(t, model.ResultUnhandledFailure, accessState(t, st, id).LastResultCode)

	acct, err := st.GetAccount(context.Background(), sum.Outcomes[0].Accounts[0].AccountID)
	require.NoError(t, err)
	assert.False(t, acct.ScrapingTransactions)
	rows, err := st.LedgerRows(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// slowCommitStore delays every commit.
type slowCommitStore struct {
	*store.SQLiteStore
	delay time.Duration
}

func (s *slowCommitStore) Commit(ctx context.Context, req store.CommitRequest) error {
	time.Sleep(s.delay)
	return s.SQLiteStore.Commit(ctx, req)
}

func TestRun_AdapterTimeoutDoesNotCoverCommit(t *testing.T) {
	st := &slowCommitStore{SQLiteStore: newTestStore(t), delay: 150 * time.Millisecond}
	id := register(t, st, 1, "acme", "c1")

	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK(accountResult("90", descendingBatch()))
	})}
	cfg := testConfig(reg)
	cfg.AdapterTimeout = 100 * time.Millisecond
	s := New(st, cfg, WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultOK, sum.Outcomes[0].Code)
	assert.Equal(t, model.ResultOK, accessState(t, st, id).LastResultCode)

	rows, err := st.LedgerRows(context.Background(), sum.Outcomes[0].Accounts[0].AccountID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_AdapterTimeoutStopsPageStream(t *testing.T) {
	st := newTestStore(t)
	register(t, st, 1, "acme", "c1")

	batch := descendingBatch()
	pages := func(yield func([]model.ParsedTransaction, error) bool) {
		if !yield(batch[:1], nil) {
			return
		}
		time.Sleep(60 * time.Millisecond)
		yield(batch[1:], nil)
	}
	reg := adapter.Registry{"acme": adapter.Func(func(context.Context, adapter.Request) adapter.Result {
		return adapter.OK(adapter.AccountResult{
			Snapshot: model.AccountSnapshot{ExternalID: "ACC-1", Currency: "EUR", Balance: d("90")},
			Pages:    pages,
		})
	})}
	cfg := testConfig(reg)
	cfg.AdapterTimeout = 20 * time.Millisecond
	s := New(st, cfg, WithClock(fixedClock))

	sum := s.Run(context.Background(), Request{Mode: AllEligibleCustomers})
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.ResultUnhandledFailure, sum.Outcomes[0].Code)
	require.Error(t, sum.Outcomes[0].Err)
	assert.ErrorIs(t, sum.Outcomes[0].Err, context.DeadlineExceeded)

	rows, err := st.LedgerRows(context.Background(), sum.Outcomes[0].Accounts[0].AccountID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCommitRequest_FoldsFirstCommitDeficit(t *testing.T) {
	snap := model.AccountSnapshot{Balance: d("95"), ScrapedAt: clock}

	first := &reconcile.Plan{
		AccountID:         7,
		Status:            model.IntegrityDeficit,
		OpeningBalance:    dp("0"),
		OpeningAdjustment: d("5"),
	}
	req := commitRequest(first, snap)
	assert.Equal(t, int64(7), req.AccountID)
	require.NotNil(t, req.OpeningBalance)
	assert.True(t, req.OpeningBalance.Equal(d("5")))
	assert.True(t, req.OpeningAdjustment.IsZero())
	assert.True(t, req.Balance.Equal(d("95")))

	later := &reconcile.Plan{AccountID: 7, Status: model.IntegrityDeficit, OpeningAdjustment: d("5")}
	req = commitRequest(later, snap)
	assert.Nil(t, req.OpeningBalance)
	assert.True(t, req.OpeningAdjustment.Equal(d("5")))

	ok := &reconcile.Plan{AccountID: 7, Status: model.IntegrityOK, OpeningBalance: dp("3")}
	req = commitRequest(ok, snap)
	require.NotNil(t, req.OpeningBalance)
	assert.True(t, req.OpeningBalance.Equal(d("3")))
}

func TestLedgerWindow(t *testing.T) {
	item := model.AccessWorkItem{DateFrom: date("2024-01-05"), DateTo: date("2024-01-10")}
	batch := []model.ParsedTransaction{
		{OperationDate: date("2024-01-03")},
		{},
		{OperationDate: date("2024-01-12")},
	}
	from, to := ledgerWindow(item, batch, 24*time.Hour)
	assert.Equal(t, date("2024-01-02"), from)
	assert.Equal(t, date("2024-01-12"), to)
}
