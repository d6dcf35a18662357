package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/events"
	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/monitoring"
	"github.com/sells-group/ledger-sync/internal/reconcile"
	"github.com/sells-group/ledger-sync/internal/store"
)

// syncAccount runs dedup, normalization and reconciliation for one external
// account and commits the result as a single unit. A surplus commits
// nothing and flags the account instead.
func (s *Scheduler) syncAccount(ctx context.Context, item model.AccessWorkItem, ar adapter.AccountResult, force bool, log *zap.Logger) (events.AccountOutcome, model.ResultCode, error) {
	out := events.AccountOutcome{ExternalID: ar.Snapshot.ExternalID}

	acct, err := s.store.EnsureAccount(ctx, item.AccessID, ar.Snapshot)
	if err != nil {
		return out, "", err
	}
	out.AccountID = acct.ID
	log = log.With(zap.Int64("account_id", acct.ID), zap.String("external_id", acct.ExternalID))

	if acct.IntegrityError && !force {
		log.Warn("account flagged with balance surplus, skipping until a forced run",
			zap.String("integrity_delta", acct.IntegrityDelta.String()))
		out.Skipped = true
		out.Integrity = model.IntegritySurplus
		out.Delta = acct.IntegrityDelta.String()
		return out, model.ResultBalanceSurplus, nil
	}

	if err := s.store.SetAccountScraping(ctx, acct.ID, true, true); err != nil {
		return out, "", err
	}
	settled := false
	defer func() {
		if settled {
			return
		}
		if err := s.store.SetAccountScraping(context.WithoutCancel(ctx), acct.ID, false, false); err != nil {
			log.Warn("failed to clear scraping flags", zap.Error(err))
		}
	}()

	currency := ar.Snapshot.Currency
	if currency == "" {
		currency = acct.Currency
	}
	discriminator := acct.Discriminator(item.FinancialEntityID)
	keyer := reconcile.NewKeyer(discriminator, currency)

	batch, stats, err := reconcile.Collect(ar.Pages, keyer.Stable)
	if err != nil {
		return out, "", err
	}
	direction := reconcile.DetectDirection(batch)
	batch = reconcile.Normalize(batch)

	from, to := ledgerWindow(item, batch, s.cfg.WindowSlack)
	prior, err := s.store.LedgerWindow(ctx, acct.ID, from, to)
	if err != nil {
		return out, "", err
	}
	balance, hasHistory, err := s.store.LedgerBalance(ctx, acct.ID)
	if err != nil {
		return out, "", err
	}

	snap := ar.Snapshot
	if snap.ScrapedAt.IsZero() {
		snap.ScrapedAt = s.now().UTC()
	}
	plan := s.engine.Reconcile(reconcile.Input{
		AccountID:     acct.ID,
		Discriminator: discriminator,
		Currency:      currency,
		Batch:         batch,
		Prior:         prior,
		PriorBalance:  balance,
		HasHistory:    hasHistory,
		Snapshot:      snap,
		Now:           s.now().UTC(),
	})

	out.Inserted = len(plan.Inserts) - len(plan.Renewals)
	out.Renewed = len(plan.Renewals)
	out.Synthetic = plan.Synthetic
	out.Integrity = plan.Status
	out.Delta = plan.Delta.String()

	log.Info("account reconciled",
		zap.Int("pages", stats.Pages),
		zap.Int("page_overlap_trimmed", stats.Trimmed),
		zap.Stringer("direction", direction),
		zap.Int("batch", len(batch)),
		zap.Int("prior_window", len(prior)),
		zap.Int("inserted", out.Inserted),
		zap.Int("renewed", out.Renewed),
		zap.Int("matched", len(plan.Matched)),
		zap.Int("duplicates", plan.Duplicates),
		zap.Int("synthetic", plan.Synthetic),
		zap.Int("under_disambiguated", plan.UnderDisambiguated),
		zap.String("integrity", string(plan.Status)),
		zap.String("delta", plan.Delta.String()),
	)

	if plan.Status == model.IntegritySurplus {
		if err := s.store.FlagIntegrity(ctx, acct.ID, plan.Delta); err != nil {
			return out, "", err
		}
		settled = true
		log.Error("balance surplus: ledger exceeds scraped balance, nothing committed",
			zap.String("projected", plan.Projected.String()),
			zap.String("scraped", snap.Balance.String()),
		)
		s.notify(context.WithoutCancel(ctx), monitoring.SurplusAlert(item.AccessID, acct.ID, acct.ExternalID, plan.Delta))
		return out, model.ResultBalanceSurplus, nil
	}

	if err := s.store.Commit(ctx, commitRequest(plan, snap)); err != nil {
		return out, "", err
	}
	settled = true

	if plan.Status == model.IntegrityDeficit {
		out.OpeningAdjustment = plan.OpeningAdjustment.String()
		log.Warn("balance deficit recovered by adjusting opening balance",
			zap.Bool("first_commit", plan.OpeningBalance != nil),
			zap.String("previous_opening", acct.OpeningBalance.String()),
			zap.String("adjustment", plan.OpeningAdjustment.String()),
			zap.String("scraped", snap.Balance.String()),
		)
		return out, model.ResultBalanceDeficit, nil
	}
	return out, model.ResultOK, nil
}

// commitRequest turns a plan into a store write. A deficit always moves
// the opening balance: on a first commit it is folded into the derived
// opening, later it is added to the stored one.
func commitRequest(plan *reconcile.Plan, snap model.AccountSnapshot) store.CommitRequest {
	req := store.CommitRequest{
		AccountID: plan.AccountID,
		Inserts:   plan.Inserts,
		Balance:   snap.Balance,
		BalanceAt: snap.ScrapedAt,
	}
	switch {
	case plan.OpeningBalance != nil:
		opening := *plan.OpeningBalance
		if plan.Status == model.IntegrityDeficit {
			opening = opening.Add(plan.OpeningAdjustment)
		}
		req.OpeningBalance = &opening
	case plan.Status == model.IntegrityDeficit:
		req.OpeningAdjustment = plan.OpeningAdjustment
	}
	return req
}

// ledgerWindow widens the scrape window to cover every dated batch record,
// then reaches WindowSlack further back to catch rescraped history.
func ledgerWindow(item model.AccessWorkItem, batch []model.ParsedTransaction, slack time.Duration) (from, to time.Time) {
	from, to = item.DateFrom, item.DateTo
	for _, tx := range batch {
		d := tx.OperationDate
		if d.IsZero() {
			continue
		}
		if from.IsZero() || d.Before(from) {
			from = d
		}
		if d.After(to) {
			to = d
		}
	}
	return from.Add(-slack), to
}
