// Package scheduler runs scrape-and-reconcile cycles over customers'
// accesses with bounded parallelism, keeping accesses that share
// credentials from running at the same time.
package scheduler

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/config"
	"github.com/sells-group/ledger-sync/internal/events"
	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/monitoring"
	"github.com/sells-group/ledger-sync/internal/reconcile"
	"github.com/sells-group/ledger-sync/internal/store"
)

// Config is passed by value; the adapter registry is built per invocation
// mode by the caller.
type Config struct {
	Adapters adapter.Registry

	CustomerConcurrency int
	AccessConcurrency   int

	CollisionPollInterval time.Duration
	CollisionPollCeiling  int

	// MaxRunDuration is the age past which an in-progress access is
	// considered abandoned.
	MaxRunDuration time.Duration

	DefaultLookback    time.Duration
	IncrementalOverlap time.Duration
	AdapterTimeout     time.Duration

	Tolerance   decimal.Decimal
	WindowSlack time.Duration
}

// ConfigFrom builds a scheduler Config from application config.
func ConfigFrom(cfg *config.Config, adapters adapter.Registry) (Config, error) {
	tol, err := decimal.NewFromString(cfg.Reconcile.Tolerance)
	if err != nil {
		return Config{}, eris.Wrapf(err, "scheduler: parse tolerance %q", cfg.Reconcile.Tolerance)
	}
	return Config{
		Adapters:              adapters,
		CustomerConcurrency:   cfg.Scheduler.CustomerConcurrency,
		AccessConcurrency:     cfg.Scheduler.AccessConcurrency,
		CollisionPollInterval: cfg.Scheduler.CollisionPollInterval(),
		CollisionPollCeiling:  cfg.Scheduler.CollisionPollCeiling,
		MaxRunDuration:        cfg.Scheduler.MaxRunDuration(),
		DefaultLookback:       cfg.Scheduler.DefaultLookback(),
		IncrementalOverlap:    cfg.Scheduler.IncrementalOverlap(),
		AdapterTimeout:        cfg.Scheduler.AdapterTimeout(),
		Tolerance:             tol,
		WindowSlack:           cfg.Reconcile.WindowSlack(),
	}, nil
}

func (c Config) normalized() Config {
	if c.CustomerConcurrency < 1 {
		c.CustomerConcurrency = 1
	}
	if c.AccessConcurrency < 1 {
		c.AccessConcurrency = 1
	}
	if c.CollisionPollInterval <= 0 {
		c.CollisionPollInterval = time.Second
	}
	if c.CollisionPollCeiling < 0 {
		c.CollisionPollCeiling = 0
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = time.Hour
	}
	if c.DefaultLookback <= 0 {
		c.DefaultLookback = 90 * 24 * time.Hour
	}
	return c
}

// Mode selects which accesses a Run covers.
type Mode int

const (
	AllEligibleCustomers Mode = iota
	OneCustomer
	SpecificAccessesAcrossCustomers
)

func (m Mode) String() string {
	switch m {
	case AllEligibleCustomers:
		return "all"
	case OneCustomer:
		return "customer"
	case SpecificAccessesAcrossCustomers:
		return "accesses"
	default:
		return "unknown"
	}
}

// Request is one invocation of the scheduler.
type Request struct {
	Mode       Mode
	CustomerID int64
	// AccessIDs narrows OneCustomer and is required for
	// SpecificAccessesAcrossCustomers. Naming accesses explicitly also
	// admits ones blocked on credentials.
	AccessIDs []int64

	// DateFrom overrides the incremental window start when non-zero.
	DateFrom time.Time

	// ForceIntegrity reconciles accounts flagged with a balance surplus.
	ForceIntegrity bool
}

func (r Request) filter() (store.WorkFilter, error) {
	var f store.WorkFilter
	switch r.Mode {
	case AllEligibleCustomers:
	case OneCustomer:
		if r.CustomerID == 0 {
			return f, eris.New("scheduler: customer mode requires a customer id")
		}
		f.CustomerID = r.CustomerID
		f.AccessIDs = r.AccessIDs
	case SpecificAccessesAcrossCustomers:
		if len(r.AccessIDs) == 0 {
			return f, eris.New("scheduler: accesses mode requires access ids")
		}
		f.AccessIDs = r.AccessIDs
	default:
		return f, eris.Errorf("scheduler: unknown mode %d", r.Mode)
	}
	f.IncludeBlocked = len(f.AccessIDs) > 0
	return f, nil
}

// AccessOutcome is the result of one access in a Run.
type AccessOutcome struct {
	CustomerID int64
	AccessID   int64
	RunID      string
	Code       model.ResultCode
	Err        error
	Accounts   []events.AccountOutcome
}

// Summary reports a Run. Per-access failures live in Outcomes; Err is set
// only when no work could be selected at all.
type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []AccessOutcome
	Err        error
}

// Count returns how many accesses finished with code.
func (s Summary) Count(code model.ResultCode) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Code == code {
			n++
		}
	}
	return n
}

// Codes tallies outcomes by result code.
func (s Summary) Codes() map[model.ResultCode]int {
	out := make(map[model.ResultCode]int)
	for _, o := range s.Outcomes {
		out[o.Code]++
	}
	return out
}

// Notifier delivers operator alerts.
type Notifier interface {
	SendAlerts(ctx context.Context, alerts []monitoring.Alert) int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithNotifier sends operator alerts through n.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithPublisher emits a run event per access through p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs scheduling cycles against a Store.
type Scheduler struct {
	store     store.Store
	cfg       Config
	engine    *reconcile.Engine
	notifier  Notifier
	publisher events.Publisher
	now       func() time.Time
	newRunID  func() string
	log       *zap.Logger
}

// New creates a Scheduler.
func New(st store.Store, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		store:     st,
		cfg:       cfg,
		engine:    reconcile.NewEngine(cfg.Tolerance),
		publisher: events.Nop{},
		now:       time.Now,
		newRunID:  uuid.NewString,
		log:       zap.L().With(zap.String("component", "scheduler")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type customerWork struct {
	id    int64
	items []model.AccessWorkItem
}

// Run executes one scheduling cycle. It never fails because of a single
// access: every per-access failure is recorded as a result code.
func (s *Scheduler) Run(ctx context.Context, req Request) Summary {
	sum := Summary{StartedAt: s.now()}
	log := s.log.With(zap.Stringer("mode", req.Mode))

	f, err := req.filter()
	if err != nil {
		sum.Err = err
		sum.FinishedAt = s.now()
		return sum
	}
	f.Now = sum.StartedAt
	f.StaleAfter = s.cfg.MaxRunDuration

	items, err := s.store.EligibleWork(ctx, f)
	if err != nil {
		sum.Err = eris.Wrap(err, "scheduler: select work")
		sum.FinishedAt = s.now()
		return sum
	}
	warnMissing(log, req.AccessIDs, items)

	work := groupByCustomer(items)
	log.Info("scheduling cycle starting",
		zap.Int("customers", len(work)),
		zap.Int("accesses", len(items)),
		zap.Int("customer_concurrency", s.cfg.CustomerConcurrency),
		zap.Int("access_concurrency", s.cfg.AccessConcurrency),
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.CustomerConcurrency)
	for _, cw := range work {
		g.Go(func() error {
			outs := s.runCustomer(ctx, cw, req)
			mu.Lock()
			sum.Outcomes = append(sum.Outcomes, outs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(sum.Outcomes, func(a, b AccessOutcome) int {
		return cmp.Compare(a.AccessID, b.AccessID)
	})
	sum.FinishedAt = s.now()

	fields := []zap.Field{
		zap.Int("accesses", len(sum.Outcomes)),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	}
	for code, n := range sum.Codes() {
		fields = append(fields, zap.Int(string(code), n))
	}
	log.Info("scheduling cycle finished", fields...)
	return sum
}

func (s *Scheduler) runCustomer(ctx context.Context, cw customerWork, req Request) []AccessOutcome {
	log := s.log.With(zap.Int64("customer_id", cw.id))
	if err := s.store.StartCustomer(ctx, cw.id, s.now()); err != nil {
		log.Warn("failed to record customer start", zap.Error(err))
	}

	outs := make([]AccessOutcome, len(cw.items))
	var g errgroup.Group
	g.SetLimit(s.cfg.AccessConcurrency)
	for i, item := range cw.items {
		g.Go(func() error {
			outs[i] = s.runAccess(ctx, item, req)
			return nil
		})
	}
	_ = g.Wait()

	if err := s.store.FinishCustomer(context.WithoutCancel(ctx), cw.id, s.now()); err != nil {
		log.Warn("failed to record customer finish", zap.Error(err))
	}
	return outs
}

func groupByCustomer(items []model.AccessWorkItem) []customerWork {
	var out []customerWork
	index := make(map[int64]int)
	for _, it := range items {
		i, ok := index[it.CustomerID]
		if !ok {
			i = len(out)
			index[it.CustomerID] = i
			out = append(out, customerWork{id: it.CustomerID})
		}
		out[i].items = append(out[i].items, it)
	}
	return out
}

func warnMissing(log *zap.Logger, requested []int64, items []model.AccessWorkItem) {
	if len(requested) == 0 {
		return
	}
	found := make(map[int64]bool, len(items))
	for _, it := range items {
		found[it.AccessID] = true
	}
	var missing []int64
	for _, id := range requested {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		log.Warn("requested accesses not eligible (unknown, disabled or running)",
			zap.Int64s("access_ids", missing))
	}
}
