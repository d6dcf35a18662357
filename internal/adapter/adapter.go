// Package adapter defines the contract between the scheduler and
// source-specific scrapers.
package adapter

import (
	"context"
	"errors"
	"iter"
	"maps"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ledger-sync/internal/model"
)

// Sentinel failures an adapter reports through Result.Err.
var (
	ErrCredentials    = eris.New("adapter: credentials rejected")
	ErrAdditionalAuth = eris.New("adapter: additional authentication required")
)

// Mode selects which kind of sources a run talks to.
type Mode string

const (
	ModeOnline    Mode = "online"
	ModeStatement Mode = "statement"
)

// Request is one scrape of one access.
type Request struct {
	AccessID          int64
	FinancialEntityID string
	CredentialsRef    string
	DateFrom          time.Time
	DateTo            time.Time
}

// Pages is a lazy stream of transaction pages in source order. A non-nil
// error ends the stream.
type Pages = iter.Seq2[[]model.ParsedTransaction, error]

// AccountResult is what a source reported for one external account.
type AccountResult struct {
	Snapshot model.AccountSnapshot
	Pages    Pages
}

// Result is the outcome of a scrape. Code is ResultOK when Accounts is
// usable; any other code means the access failed as a whole.
type Result struct {
	Code     model.ResultCode
	Err      error
	Accounts []AccountResult
}

// Adapter scrapes one financial entity. Implementations report failures
// through Result rather than panicking.
type Adapter interface {
	Scrape(ctx context.Context, req Request) Result
}

// Func adapts a function to Adapter.
type Func func(ctx context.Context, req Request) Result

func (f Func) Scrape(ctx context.Context, req Request) Result { return f(ctx, req) }

// OK builds a successful result.
func OK(accounts ...AccountResult) Result {
	return Result{Code: model.ResultOK, Accounts: accounts}
}

// Failed maps err onto the result code the scheduler records.
func Failed(err error) Result {
	return Result{Code: CodeFor(err), Err: err}
}

// CodeFor classifies an adapter error.
func CodeFor(err error) model.ResultCode {
	switch {
	case err == nil:
		return model.ResultOK
	case eris.Is(err, ErrCredentials):
		return model.ResultCredentialsError
	case eris.Is(err, ErrAdditionalAuth):
		return model.ResultAdditionalAuthRequired
	case errors.Is(err, context.Canceled):
		return model.ResultCancelled
	default:
		return model.ResultUnhandledFailure
	}
}

// BoundPages ends pages with ctx's error once ctx is done, so a stream that
// ignores cancellation still stops between pages.
func BoundPages(ctx context.Context, pages Pages) Pages {
	if pages == nil {
		return nil
	}
	return func(yield func([]model.ParsedTransaction, error) bool) {
		for page, err := range pages {
			if err == nil {
				if cerr := ctx.Err(); cerr != nil {
					yield(nil, eris.Wrap(cerr, "adapter: page stream"))
					return
				}
			}
			if !yield(page, err) {
				return
			}
		}
	}
}

// StaticPages turns in-memory pages into a stream.
func StaticPages(pages ...[]model.ParsedTransaction) Pages {
	return func(yield func([]model.ParsedTransaction, error) bool) {
		for _, p := range pages {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Registry maps financial entity IDs to adapters. It is a plain value:
// build one per mode and hand it to the scheduler.
type Registry map[string]Adapter

// Lookup returns the adapter for a financial entity.
func (r Registry) Lookup(entityID string) (Adapter, bool) {
	a, ok := r[entityID]
	return a, ok && a != nil
}

// With returns a copy of r with entityID bound to a.
func (r Registry) With(entityID string, a Adapter) Registry {
	out := maps.Clone(r)
	if out == nil {
		out = make(Registry)
	}
	out[entityID] = a
	return out
}

// Entities lists the registered financial entity IDs.
func (r Registry) Entities() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	return out
}
