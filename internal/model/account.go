package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the point-in-time state of an external account as a
// source reported it.
type AccountSnapshot struct {
	ExternalID string          `json:"external_id" yaml:"external_id"`
	Currency   string          `json:"currency" yaml:"currency"`
	Balance    decimal.Decimal `json:"balance" yaml:"balance"`
	ScrapedAt  time.Time       `json:"scraped_at" yaml:"scraped_at"`
}

// Account is a persisted external account belonging to an access.
type Account struct {
	ID               int64           `json:"id"`
	AccessID         int64           `json:"access_id"`
	ExternalID       string          `json:"external_id"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	OpeningBalance   decimal.Decimal `json:"opening_balance"`
	BalanceUpdatedAt *time.Time      `json:"balance_updated_at,omitempty"`

	// Advisory flags, set while a run is refreshing the account.
	ScrapingBalance      bool `json:"scraping_balance"`
	ScrapingTransactions bool `json:"scraping_transactions"`

	// IntegrityError is set after a surplus; automatic commits are skipped
	// until a forced run clears it.
	IntegrityError bool            `json:"integrity_error"`
	IntegrityDelta decimal.Decimal `json:"integrity_delta"`
}

// Discriminator returns the per-account component of every content key for
// this account.
func (a Account) Discriminator(financialEntityID string) string {
	return financialEntityID + "/" + a.ExternalID
}
