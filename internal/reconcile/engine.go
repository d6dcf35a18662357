package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/model"
)

// Input is everything the engine needs to reconcile one account.
type Input struct {
	AccountID     int64
	Discriminator string
	Currency      string

	// Batch is the scraped sequence, already deduplicated and normalized.
	Batch []model.ParsedTransaction

	// Prior holds the persisted rows whose operation date falls inside, or
	// slightly before, the scraped window.
	Prior []model.TransactionRecord

	// PriorBalance is the opening balance plus every effective ledger row.
	PriorBalance decimal.Decimal

	// HasHistory is false until the account has committed rows.
	HasHistory bool

	Snapshot model.AccountSnapshot
	Now      time.Time
}

// Renewal links a proposed row to the prior row it supersedes.
type Renewal struct {
	PriorID int64
	Key     model.Key
}

// Plan is the engine's proposal. Nothing is persisted until the caller
// commits it.
type Plan struct {
	AccountID int64
	Inserts   []model.NewRecord
	Renewals  []Renewal

	// Matched lists prior row IDs that the batch confirmed unchanged.
	Matched []int64

	Duplicates         int
	Synthetic          int
	UnderDisambiguated int

	Status    model.IntegrityStatus
	Projected decimal.Decimal
	Delta     decimal.Decimal // scraped balance minus projected ledger balance

	// OpeningBalance is set on an account's first commit.
	OpeningBalance *decimal.Decimal

	// OpeningAdjustment is absorbed into the opening balance when the
	// status is a deficit.
	OpeningAdjustment decimal.Decimal
}

// Empty reports whether the plan writes no ledger rows.
func (p *Plan) Empty() bool {
	return len(p.Inserts) == 0
}

// Engine reconciles scraped batches against the ledger.
type Engine struct {
	tolerance decimal.Decimal
}

// NewEngine creates an Engine accepting balance differences up to tolerance.
func NewEngine(tolerance decimal.Decimal) *Engine {
	return &Engine{tolerance: tolerance.Abs()}
}

type dateAmount struct {
	date   string
	amount string
}

// Reconcile computes the rows to insert, the renewal links and the
// integrity status for one account. It does not touch the store.
func (e *Engine) Reconcile(in Input) *Plan {
	log := zap.L().With(zap.String("component", "reconcile.engine"), zap.Int64("account_id", in.AccountID))
	keyer := NewKeyer(in.Discriminator, in.Currency)
	places := CurrencyPlaces(in.Currency)

	plan := &Plan{AccountID: in.AccountID}

	byKey := make(map[model.Key]model.TransactionRecord, len(in.Prior))
	superseded := make(map[int64]bool)
	for _, r := range in.Prior {
		byKey[r.Key] = r
		if r.RenewsID != nil {
			superseded[*r.RenewsID] = true
		}
	}

	type keyed struct {
		tx      model.ParsedTransaction
		key     model.Key
		quality KeyQuality
	}

	// Pass 1: keys, exact matches and in-batch duplicates.
	claimed := make(map[int64]bool)
	seen := make(map[model.Key]bool, len(in.Batch))
	var pending []keyed
	for _, tx := range in.Batch {
		key, quality := keyer.Key(tx)
		switch quality {
		case KeySynthetic:
			plan.Synthetic++
			log.Warn("data quality: record missing required content, stored with synthetic key",
				zap.String("description", tx.Description),
				zap.String("amount", tx.Amount.String()),
			)
		case KeyUnderDisambiguated:
			plan.UnderDisambiguated++
		}

		if seen[key] {
			plan.Duplicates++
			continue
		}
		seen[key] = true

		if prior, ok := byKey[key]; ok {
			claimed[prior.ID] = true
			plan.Matched = append(plan.Matched, prior.ID)
			continue
		}
		pending = append(pending, keyed{tx: tx, key: key, quality: quality})
	}

	// Pass 2: renewal candidates are unclaimed, not yet superseded prior rows.
	candidates := make(map[dateAmount][]model.TransactionRecord)
	for _, r := range in.Prior {
		if claimed[r.ID] || superseded[r.ID] {
			continue
		}
		da := dateAmount{canonicalDate(r.OperationDate), r.Amount.Round(places).StringFixed(places)}
		candidates[da] = append(candidates[da], r)
	}

	delta := decimal.Zero
	for _, p := range pending {
		rec := model.NewRecord{
			Key:         p.key,
			Transaction: p.tx,
			CreatedAt:   in.Now,
			Synthetic:   p.quality == KeySynthetic,
		}

		da := dateAmount{canonicalDate(p.tx.OperationDate), p.tx.Amount.Round(places).StringFixed(places)}
		if prior, ok := takeCandidate(candidates, da, p.tx.Description); ok {
			id := prior.ID
			rec.RenewsID = &id
			rec.CreatedAt = prior.CreatedAt
			plan.Renewals = append(plan.Renewals, Renewal{PriorID: prior.ID, Key: p.key})
			delta = delta.Sub(prior.Amount)
		}

		delta = delta.Add(p.tx.Amount)
		plan.Inserts = append(plan.Inserts, rec)
	}

	e.checkIntegrity(plan, in, delta)
	return plan
}

// takeCandidate removes and returns the renewal candidate for da, preferring
// one with the same description.
func takeCandidate(candidates map[dateAmount][]model.TransactionRecord, da dateAmount, description string) (model.TransactionRecord, bool) {
	list := candidates[da]
	if len(list) == 0 {
		return model.TransactionRecord{}, false
	}
	idx := 0
	want := CanonicalDescription(description)
	for i, r := range list {
		if CanonicalDescription(r.Description) == want {
			idx = i
			break
		}
	}
	picked := list[idx]
	candidates[da] = append(list[:idx:idx], list[idx+1:]...)
	return picked, true
}

func (e *Engine) checkIntegrity(plan *Plan, in Input, delta decimal.Decimal) {
	prior := in.PriorBalance
	if !in.HasHistory {
		opening := openingBalance(in.Batch, in.Snapshot.Balance, delta)
		plan.OpeningBalance = &opening
		prior = opening
	}

	plan.Projected = prior.Add(delta)
	plan.Delta = in.Snapshot.Balance.Sub(plan.Projected)

	switch {
	case plan.Delta.Abs().LessThanOrEqual(e.tolerance):
		plan.Status = model.IntegrityOK
	case plan.Delta.IsPositive():
		plan.Status = model.IntegrityDeficit
		plan.OpeningAdjustment = plan.Delta
	default:
		plan.Status = model.IntegritySurplus
	}
}

// openingBalance derives the balance before the first ledger row. The first
// record's running balance is authoritative when the source reports one;
// otherwise the snapshot is walked back through the batch.
func openingBalance(batch []model.ParsedTransaction, snapshot, delta decimal.Decimal) decimal.Decimal {
	if len(batch) > 0 && batch[0].RunningBalance != nil {
		return batch[0].RunningBalance.Sub(batch[0].Amount)
	}
	return snapshot.Sub(delta)
}

// Replay returns the balance reached by applying the effective rows (those
// no later row renews) to opening, in (OperationDate, ID) order.
func Replay(opening decimal.Decimal, rows []model.TransactionRecord) decimal.Decimal {
	superseded := make(map[int64]bool)
	for _, r := range rows {
		if r.RenewsID != nil {
			superseded[*r.RenewsID] = true
		}
	}
	balance := opening
	for _, r := range SortLedger(rows) {
		if superseded[r.ID] {
			continue
		}
		balance = balance.Add(r.Amount)
	}
	return balance
}
