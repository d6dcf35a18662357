package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/events"
	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/monitoring"
)

// ErrEqualAccessBusy is recorded when the collision poll ceiling is reached.
var ErrEqualAccessBusy = eris.New("scheduler: equal access still in progress")

// runAccess takes one work item from Pending to a terminal state and
// records that state, whatever happens in between.
func (s *Scheduler) runAccess(ctx context.Context, item model.AccessWorkItem, req Request) AccessOutcome {
	item.DateFrom, item.DateTo = s.window(item, req)
	out := AccessOutcome{
		CustomerID: item.CustomerID,
		AccessID:   item.AccessID,
		RunID:      s.newRunID(),
	}
	log := s.log.With(
		zap.Int64("customer_id", item.CustomerID),
		zap.Int64("access_id", item.AccessID),
		zap.String("financial_entity_id", item.FinancialEntityID),
		zap.String("run_id", out.RunID),
	)
	// Terminal writes must land even when the cycle is being cancelled.
	bg := context.WithoutCancel(ctx)

	startedAt, abortCode, err := s.claim(ctx, item, out.RunID, log)
	if abortCode != "" {
		out.Code, out.Err = abortCode, err
		finishedAt := s.now()
		if err := s.store.AbortRun(bg, item.AccessID, abortCode, startedAt, finishedAt); err != nil {
			log.Error("failed to record aborted run", zap.Error(err))
		}
		log.Warn("access run aborted", zap.String("code", string(abortCode)), zap.Error(out.Err))
		s.publish(bg, item, out, startedAt, finishedAt)
		return out
	}

	log.Info("access run started",
		zap.Time("date_from", item.DateFrom),
		zap.Time("date_to", item.DateTo),
	)
	out.Code, out.Accounts, out.Err = s.dispatch(ctx, item, req, log)
	if out.Err != nil && ctx.Err() != nil && !out.Code.Succeeded() {
		out.Code = model.ResultCancelled
	}

	finishedAt := s.now()
	err = s.store.SetRunState(bg, model.RunState{
		AccessID:       item.AccessID,
		RunID:          out.RunID,
		InProgress:     false,
		LastStartedAt:  &startedAt,
		LastFinishedAt: &finishedAt,
		LastResultCode: out.Code,
	})
	if err != nil {
		log.Error("failed to record run state", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("code", string(out.Code)),
		zap.Int("accounts", len(out.Accounts)),
		zap.Duration("elapsed", finishedAt.Sub(startedAt)),
	}
	switch {
	case out.Err != nil:
		log.Warn("access run finished with failure", append(fields, zap.Error(out.Err))...)
	default:
		log.Info("access run finished", fields...)
	}

	if out.Code == model.ResultAdditionalAuthRequired {
		s.notify(bg, monitoring.AccessAlert(item, out.Code, out.Err))
	}
	s.publish(bg, item, out, startedAt, finishedAt)
	return out
}

// claim marks the access in progress. While an access with the same
// credentials is running it polls every CollisionPollInterval, up to
// CollisionPollCeiling times. A non-empty code means the access was not
// claimed and must not be dispatched.
func (s *Scheduler) claim(ctx context.Context, item model.AccessWorkItem, runID string, log *zap.Logger) (time.Time, model.ResultCode, error) {
	first := s.now()
	for polls := 0; ; polls++ {
		if err := ctx.Err(); err != nil {
			return first, model.ResultCancelled, err
		}

		now := s.now()
		busy, err := s.store.IsAnyEqualAccessInProgress(ctx, item.AccessID, now, s.cfg.MaxRunDuration)
		if err != nil {
			return first, storeFailureCode(ctx), err
		}
		if !busy {
			claimed, err := s.store.TryClaim(ctx, item.AccessID, runID, now, s.cfg.MaxRunDuration)
			if err != nil {
				return first, storeFailureCode(ctx), err
			}
			if claimed {
				if polls > 0 {
					log.Info("equal access finished, proceeding", zap.Int("polls", polls))
				}
				return now, "", nil
			}
		}

		if polls >= s.cfg.CollisionPollCeiling {
			return first, model.ResultEqualAccessCollision,
				eris.Wrapf(ErrEqualAccessBusy, "access %d after %d polls", item.AccessID, polls)
		}
		if polls == 0 {
			log.Info("equal access in progress, waiting",
				zap.Duration("interval", s.cfg.CollisionPollInterval),
				zap.Int("ceiling", s.cfg.CollisionPollCeiling),
			)
		}

		timer := time.NewTimer(s.cfg.CollisionPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return first, model.ResultCancelled, ctx.Err()
		case <-timer.C:
		}
	}
}

func storeFailureCode(ctx context.Context) model.ResultCode {
	if ctx.Err() != nil {
		return model.ResultCancelled
	}
	return model.ResultUnhandledFailure
}

// dispatch invokes the adapter and reconciles every account it returns.
// Panics are converted to UNHANDLED_FAILURE here.
func (s *Scheduler) dispatch(ctx context.Context, item model.AccessWorkItem, req Request, log *zap.Logger) (code model.ResultCode, outcomes []events.AccountOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing access", zap.Any("panic", r), zap.Stack("stack"))
			code = model.ResultUnhandledFailure
			err = eris.Errorf("scheduler: panic: %v", r)
		}
	}()

	a, ok := s.cfg.Adapters.Lookup(item.FinancialEntityID)
	if !ok {
		return model.ResultNoAdapter, nil, eris.Errorf("scheduler: no adapter for %q", item.FinancialEntityID)
	}

	// The adapter deadline covers Scrape and its page stream, never the
	// store writes that follow.
	actx := ctx
	if s.cfg.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.cfg.AdapterTimeout)
		defer cancel()
	}

	res := a.Scrape(actx, adapter.Request{
		AccessID:          item.AccessID,
		FinancialEntityID: item.FinancialEntityID,
		CredentialsRef:    item.CredentialsRef,
		DateFrom:          item.DateFrom,
		DateTo:            item.DateTo,
	})
	if res.Code == "" {
		res.Code = adapter.CodeFor(res.Err)
	}
	if res.Code != model.ResultOK {
		if res.Err == nil {
			res.Err = eris.Errorf("scheduler: adapter reported %s", res.Code)
		}
		return res.Code, nil, res.Err
	}

	code = model.ResultOK
	var lastErr error
	for _, ar := range res.Accounts {
		ar.Pages = adapter.BoundPages(actx, ar.Pages)
		ao, accCode, err := s.syncAccount(ctx, item, ar, req.ForceIntegrity, log)
		outcomes = append(outcomes, ao)
		if err != nil {
			accCode = adapter.CodeFor(err)
			lastErr = err
			log.Error("account sync failed",
				zap.String("external_id", ar.Snapshot.ExternalID),
				zap.String("code", string(accCode)),
				zap.Error(err),
			)
		}
		code = model.Worst(code, accCode)
		if accCode.Blocking() || errors.Is(err, context.Canceled) {
			break
		}
	}
	return code, outcomes, lastErr
}

// window computes the scrape date range: an explicit override, else the
// last success minus the overlap, else the default lookback.
func (s *Scheduler) window(item model.AccessWorkItem, req Request) (from, to time.Time) {
	now := s.now().UTC()
	switch {
	case !req.DateFrom.IsZero():
		from = req.DateFrom
	case item.LastSuccessAt != nil:
		from = item.LastSuccessAt.Add(-s.cfg.IncrementalOverlap)
	default:
		from = now.Add(-s.cfg.DefaultLookback)
	}
	return day(from), day(now)
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Scheduler) notify(ctx context.Context, alert monitoring.Alert) {
	if s.notifier == nil {
		return
	}
	s.notifier.SendAlerts(ctx, []monitoring.Alert{alert})
}

func (s *Scheduler) publish(ctx context.Context, item model.AccessWorkItem, out AccessOutcome, startedAt, finishedAt time.Time) {
	ev := events.RunFinished{
		RunID:             out.RunID,
		CustomerID:        item.CustomerID,
		AccessID:          item.AccessID,
		FinancialEntityID: item.FinancialEntityID,
		Code:              out.Code,
		StartedAt:         startedAt,
		FinishedAt:        finishedAt,
		Accounts:          out.Accounts,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish run event",
			zap.Int64("access_id", item.AccessID),
			zap.Error(err),
		)
	}
}
