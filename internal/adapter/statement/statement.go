// Package statement is an offline adapter that reads exported bank
// statements from YAML files laid out as <dir>/<entity>/<credentials_ref>.yaml.
package statement

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/model"
)

const dateLayout = "2006-01-02"

// File is the on-disk statement format.
type File struct {
	Accounts []Account `yaml:"accounts"`
}

// Account is one external account in a statement file. Pages mirror the
// pagination of the exported statement; Transactions is a single page.
type Account struct {
	ExternalID   string          `yaml:"external_id"`
	Currency     string          `yaml:"currency"`
	Balance      string          `yaml:"balance"`
	ScrapedAt    string          `yaml:"scraped_at"`
	Transactions []Transaction   `yaml:"transactions"`
	Pages        [][]Transaction `yaml:"pages"`
}

// Transaction is one statement line.
type Transaction struct {
	OperationDate  string `yaml:"operation_date"`
	ValueDate      string `yaml:"value_date"`
	Description    string `yaml:"description"`
	Amount         string `yaml:"amount"`
	RunningBalance string `yaml:"balance"`
	Reference      string `yaml:"reference"`
	Position       string `yaml:"position"`
}

// Source reads statements for one financial entity.
type Source struct {
	entity string
	dir    string
	now    func() time.Time
}

// New creates a Source reading from dir/entity.
func New(dir, entity string) *Source {
	return &Source{entity: entity, dir: dir, now: time.Now}
}

var _ adapter.Adapter = (*Source)(nil)

// Registry binds a statement Source to every entity.
func Registry(dir string, entities []string) adapter.Registry {
	r := make(adapter.Registry, len(entities))
	for _, e := range entities {
		r[e] = New(dir, e)
	}
	return r
}

// Path returns the statement file for a credentials reference.
func (s *Source) Path(credentialsRef string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(credentialsRef)
	return filepath.Join(s.dir, s.entity, name+".yaml")
}

// Scrape parses the whole statement file up front; a malformed file fails
// the access rather than half-committing it.
func (s *Source) Scrape(ctx context.Context, req adapter.Request) adapter.Result {
	if err := ctx.Err(); err != nil {
		return adapter.Failed(err)
	}

	path := s.Path(req.CredentialsRef)
	raw, err := os.ReadFile(path)
	if err != nil {
		return adapter.Failed(eris.Wrapf(err, "statement: read %s", path))
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return adapter.Failed(eris.Wrapf(err, "statement: parse %s", path))
	}

	accounts := make([]adapter.AccountResult, 0, len(f.Accounts))
	for _, a := range f.Accounts {
		res, err := s.account(a)
		if err != nil {
			return adapter.Failed(eris.Wrapf(err, "statement: %s account %q", path, a.ExternalID))
		}
		accounts = append(accounts, res)
	}
	return adapter.OK(accounts...)
}

func (s *Source) account(a Account) (adapter.AccountResult, error) {
	if a.ExternalID == "" {
		return adapter.AccountResult{}, eris.New("missing external_id")
	}
	balance, err := parseAmount(a.Balance)
	if err != nil {
		return adapter.AccountResult{}, eris.Wrap(err, "balance")
	}
	scrapedAt := s.now().UTC()
	if a.ScrapedAt != "" {
		if scrapedAt, err = time.Parse(time.RFC3339, a.ScrapedAt); err != nil {
			return adapter.AccountResult{}, eris.Wrap(err, "scraped_at")
		}
	}

	pages := a.Pages
	if len(a.Transactions) > 0 {
		pages = append([][]Transaction{a.Transactions}, pages...)
	}
	parsed := make([][]model.ParsedTransaction, 0, len(pages))
	for i, p := range pages {
		txs := make([]model.ParsedTransaction, 0, len(p))
		for j, t := range p {
			tx, err := t.parse(a.Currency)
			if err != nil {
				return adapter.AccountResult{}, eris.Wrapf(err, "page %d line %d", i+1, j+1)
			}
			txs = append(txs, tx)
		}
		parsed = append(parsed, txs)
	}

	return adapter.AccountResult{
		Snapshot: model.AccountSnapshot{
			ExternalID: a.ExternalID,
			Currency:   a.Currency,
			Balance:    balance,
			ScrapedAt:  scrapedAt,
		},
		Pages: adapter.StaticPages(parsed...),
	}, nil
}

func (t Transaction) parse(currency string) (model.ParsedTransaction, error) {
	var (
		tx  = model.ParsedTransaction{Description: t.Description, Currency: currency, NativeID: t.Reference, Disambiguator: t.Position}
		err error
	)
	if t.OperationDate != "" {
		if tx.OperationDate, err = time.Parse(dateLayout, t.OperationDate); err != nil {
			return tx, eris.Wrap(err, "operation_date")
		}
	}
	tx.ValueDate = tx.OperationDate
	if t.ValueDate != "" {
		if tx.ValueDate, err = time.Parse(dateLayout, t.ValueDate); err != nil {
			return tx, eris.Wrap(err, "value_date")
		}
	}
	if tx.Amount, err = parseAmount(t.Amount); err != nil {
		return tx, eris.Wrap(err, "amount")
	}
	if t.RunningBalance != "" {
		bal, err := parseAmount(t.RunningBalance)
		if err != nil {
			return tx, eris.Wrap(err, "balance")
		}
		tx.RunningBalance = &bal
	}
	return tx, nil
}

// parseAmount accepts plain decimals and a thousands comma ("1,234.50").
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
