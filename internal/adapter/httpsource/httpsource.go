// Package httpsource is an online adapter for sources exposing a paged JSON
// API: one call lists the accounts behind a credentials reference, and each
// account's transactions are fetched page by page as the scheduler reads
// them.
package httpsource

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/adapter/protocol"
	"github.com/sells-group/ledger-sync/internal/model"
)

const (
	dateLayout      = "2006-01-02"
	defaultPageSize = 100
	maxPages        = 1000
)

// Getter is the part of protocol.Client the adapter uses.
type Getter interface {
	GetJSON(ctx context.Context, credentialsRef, path string, query url.Values, out any) error
}

// Source scrapes one financial entity over HTTP.
type Source struct {
	entity   string
	client   Getter
	pageSize int
	now      func() time.Time
}

// New creates a Source. pageSize <= 0 uses the default.
func New(entity string, client Getter, pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Source{entity: entity, client: client, pageSize: pageSize, now: time.Now}
}

// Compile-time check.
var (
	_ adapter.Adapter = (*Source)(nil)
	_ Getter          = (*protocol.Client)(nil)
)

type accountsResponse struct {
	Accounts []accountJSON `json:"accounts"`
}

type accountJSON struct {
	ID       string          `json:"id"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

type transactionsResponse struct {
	Transactions []transactionJSON `json:"transactions"`
	NextPage     int               `json:"next_page"`
}

type transactionJSON struct {
	OperationDate  string           `json:"operation_date"`
	ValueDate      string           `json:"value_date"`
	Description    string           `json:"description"`
	Amount         decimal.Decimal  `json:"amount"`
	RunningBalance *decimal.Decimal `json:"balance"`
	Reference      string           `json:"reference"`
	Position       *int             `json:"position"`
}

// Scrape lists the accounts eagerly so that authentication failures come
// back as a result code, and returns a lazy page stream per account.
func (s *Source) Scrape(ctx context.Context, req adapter.Request) adapter.Result {
	var resp accountsResponse
	if err := s.client.GetJSON(ctx, req.CredentialsRef, "accounts", nil, &resp); err != nil {
		return adapter.Failed(eris.Wrapf(err, "httpsource: %s list accounts", s.entity))
	}

	scrapedAt := s.now().UTC()
	accounts := make([]adapter.AccountResult, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		if a.ID == "" {
			zap.L().Warn("source returned account without id",
				zap.String("component", "adapter.httpsource"),
				zap.String("entity", s.entity),
				zap.Int64("access_id", req.AccessID),
			)
			continue
		}
		accounts = append(accounts, adapter.AccountResult{
			Snapshot: model.AccountSnapshot{
				ExternalID: a.ID,
				Currency:   a.Currency,
				Balance:    a.Balance,
				ScrapedAt:  scrapedAt,
			},
			Pages: s.pages(ctx, req, a.ID, a.Currency),
		})
	}
	return adapter.OK(accounts...)
}

func (s *Source) pages(ctx context.Context, req adapter.Request, accountID, currency string) adapter.Pages {
	path := "accounts/" + url.PathEscape(accountID) + "/transactions"
	return func(yield func([]model.ParsedTransaction, error) bool) {
		page := 1
		for range maxPages {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("page_size", strconv.Itoa(s.pageSize))
			if !req.DateFrom.IsZero() {
				q.Set("from", req.DateFrom.Format(dateLayout))
			}
			if !req.DateTo.IsZero() {
				q.Set("to", req.DateTo.Format(dateLayout))
			}

			var resp transactionsResponse
			if err := s.client.GetJSON(ctx, req.CredentialsRef, path, q, &resp); err != nil {
				yield(nil, eris.Wrapf(err, "httpsource: %s account %s page %d", s.entity, accountID, page))
				return
			}

			txs, err := convert(resp.Transactions, currency)
			if err != nil {
				yield(nil, eris.Wrapf(err, "httpsource: %s account %s page %d", s.entity, accountID, page))
				return
			}
			if !yield(txs, nil) {
				return
			}
			if resp.NextPage <= page || len(resp.Transactions) == 0 {
				return
			}
			page = resp.NextPage
		}
		yield(nil, eris.Errorf("httpsource: %s account %s exceeded %d pages", s.entity, accountID, maxPages))
	}
}

func convert(in []transactionJSON, currency string) ([]model.ParsedTransaction, error) {
	out := make([]model.ParsedTransaction, 0, len(in))
	for i, t := range in {
		op, err := parseDate(t.OperationDate)
		if err != nil {
			return nil, eris.Wrapf(err, "transaction %d operation_date", i)
		}
		val, err := parseDate(t.ValueDate)
		if err != nil {
			return nil, eris.Wrapf(err, "transaction %d value_date", i)
		}
		if val.IsZero() {
			val = op
		}
		tx := model.ParsedTransaction{
			OperationDate:  op,
			ValueDate:      val,
			Description:    t.Description,
			Amount:         t.Amount,
			RunningBalance: t.RunningBalance,
			Currency:       currency,
			NativeID:       t.Reference,
		}
		if t.Position != nil {
			tx.Disambiguator = strconv.Itoa(*t.Position)
		}
		out = append(out, tx)
	}
	return out, nil
}

// parseDate accepts a plain date or an RFC 3339 timestamp. An empty string
// yields the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("unparseable date %q", s)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
