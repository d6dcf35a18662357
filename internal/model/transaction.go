package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Key is the content-derived identity of a transaction (hex SHA-256).
type Key string

// ParsedTransaction is a transaction exactly as an adapter reported it.
// It has no identity until a Key is computed for it.
type ParsedTransaction struct {
	OperationDate  time.Time        `json:"operation_date" yaml:"operation_date"`
	ValueDate      time.Time        `json:"value_date" yaml:"value_date"`
	Description    string           `json:"description" yaml:"description"`
	Amount         decimal.Decimal  `json:"amount" yaml:"amount"`
	RunningBalance *decimal.Decimal `json:"running_balance,omitempty" yaml:"running_balance,omitempty"`
	Currency       string           `json:"currency,omitempty" yaml:"currency,omitempty"`

	// NativeID is the source's own reference, when it has one. Sources are
	// known to renumber these between runs.
	NativeID string `json:"native_id,omitempty" yaml:"native_id,omitempty"`

	// Disambiguator separates same-day twins (e.g. the row position within
	// its date on the source's statement).
	Disambiguator string `json:"disambiguator,omitempty" yaml:"disambiguator,omitempty"`
}

// TransactionRecord is a persisted ledger row. Rows are append-only.
type TransactionRecord struct {
	ID             int64            `json:"id"`
	AccountID      int64            `json:"account_id"`
	Key            Key              `json:"content_key"`
	OperationDate  time.Time        `json:"operation_date"`
	ValueDate      time.Time        `json:"value_date"`
	Description    string           `json:"description"`
	Amount         decimal.Decimal  `json:"amount"`
	RunningBalance *decimal.Decimal `json:"running_balance,omitempty"`
	NativeID       string           `json:"native_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExportedAt     *time.Time       `json:"exported_at,omitempty"`
	RenewsID       *int64           `json:"renews_id,omitempty"`
	Synthetic      bool             `json:"synthetic"`
}

// NewRecord is a ledger row proposed by reconciliation, not yet persisted.
type NewRecord struct {
	Key         Key
	Transaction ParsedTransaction
	CreatedAt   time.Time
	RenewsID    *int64
	Synthetic   bool
}

// IntegrityStatus is the outcome of the balance integrity check.
type IntegrityStatus string

const (
	IntegrityOK      IntegrityStatus = "ok"
	IntegrityDeficit IntegrityStatus = "deficit" // ledger below scraped balance
	IntegritySurplus IntegrityStatus = "surplus" // ledger above scraped balance
)
