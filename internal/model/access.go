package model

import "time"

// ResultCode is the outcome of one access run. It is the audit trail the
// scheduler leaves behind in the store.
type ResultCode string

const (
	ResultOK                     ResultCode = "OK"
	ResultCredentialsError       ResultCode = "CREDENTIALS_ERROR"
	ResultAdditionalAuthRequired ResultCode = "ADDITIONAL_AUTH_REQUIRED"
	ResultEqualAccessCollision   ResultCode = "EQUAL_ACCESS_COLLISION"
	ResultBalanceSurplus         ResultCode = "BALANCE_SURPLUS"
	ResultBalanceDeficit         ResultCode = "BALANCE_DEFICIT_RECOVERED"
	ResultUnhandledFailure       ResultCode = "UNHANDLED_FAILURE"
	ResultNoAdapter              ResultCode = "NO_ADAPTER"
	ResultCancelled              ResultCode = "CANCELLED"
)

// Blocking reports whether the code keeps the access out of automatic
// scheduling until someone requests it explicitly.
func (c ResultCode) Blocking() bool {
	return c == ResultCredentialsError || c == ResultAdditionalAuthRequired
}

// NeedsOperator reports whether the code must be surfaced to an operator.
func (c ResultCode) NeedsOperator() bool {
	return c == ResultAdditionalAuthRequired || c == ResultBalanceSurplus
}

// Succeeded reports whether the run counts as a successful scrape for
// incremental date windows.
func (c ResultCode) Succeeded() bool {
	return c == ResultOK || c == ResultBalanceDeficit
}

// Aborted reports whether the access was never dispatched.
func (c ResultCode) Aborted() bool {
	return c == ResultEqualAccessCollision || c == ResultCancelled
}

// Severity ranks codes so a run touching several accounts reports the
// worst outcome.
func (c ResultCode) Severity() int {
	switch c {
	case ResultOK:
		return 0
	case ResultBalanceDeficit:
		return 1
	case ResultBalanceSurplus:
		return 2
	case ResultUnhandledFailure:
		return 3
	default:
		return 4
	}
}

// Worst returns the more severe of two result codes.
func Worst(a, b ResultCode) ResultCode {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// AccessWorkItem is one (customer, access) pair selected for a scheduling
// cycle, together with the date window to scrape.
type AccessWorkItem struct {
	CustomerID        int64      `json:"customer_id"`
	AccessID          int64      `json:"access_id"`
	FinancialEntityID string     `json:"financial_entity_id"`
	CredentialsRef    string     `json:"credentials_ref"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	DateFrom          time.Time  `json:"date_from"`
	DateTo            time.Time  `json:"date_to"`
}

// RunState is the persisted run bookkeeping of an access.
type RunState struct {
	AccessID       int64      `json:"access_id"`
	RunID          string     `json:"run_id,omitempty"`
	InProgress     bool       `json:"in_progress"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastResultCode ResultCode `json:"last_result_code,omitempty"`
}

// Stale reports whether an in-progress run has outlived any plausible run
// duration, meaning its worker is gone.
func (r RunState) Stale(now time.Time, maxRunDuration time.Duration) bool {
	if !r.InProgress || r.LastStartedAt == nil {
		return false
	}
	return now.Sub(*r.LastStartedAt) > maxRunDuration
}

// Running reports whether a live worker plausibly owns the access.
func (r RunState) Running(now time.Time, maxRunDuration time.Duration) bool {
	return r.InProgress && !r.Stale(now, maxRunDuration)
}

// Access is a customer's set of credentials at one financial entity.
// Accesses with the same entity and credentials are "equal" and must never
// be scraped at the same time.
type Access struct {
	ID                int64  `json:"id"`
	CustomerID        int64  `json:"customer_id"`
	FinancialEntityID string `json:"financial_entity_id"`
	CredentialsRef    string `json:"credentials_ref"`
	Enabled           bool   `json:"enabled"`
}

// AccessState joins an access with its run state, for status listings.
type AccessState struct {
	RunState
	CustomerID        int64      `json:"customer_id"`
	FinancialEntityID string     `json:"financial_entity_id"`
	CredentialsRef    string     `json:"credentials_ref"`
	Enabled           bool       `json:"enabled"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
}
