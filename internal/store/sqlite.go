package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ledger-sync/internal/model"
)

const (
	sqliteDate = "2006-01-02"
	sqliteTime = time.RFC3339Nano
)

// SQLiteStore implements Store using modernc.org/sqlite. It holds a single
// connection, so claims and commits are serialized by the driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS customers (
	id               INTEGER PRIMARY KEY,
	last_started_at  TEXT,
	last_finished_at TEXT
);

CREATE TABLE IF NOT EXISTS accesses (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id         INTEGER NOT NULL REFERENCES customers(id),
	financial_entity_id TEXT NOT NULL,
	credentials_ref     TEXT NOT NULL,
	enabled             INTEGER NOT NULL DEFAULT 1,
	in_progress         INTEGER NOT NULL DEFAULT 0,
	run_id              TEXT NOT NULL DEFAULT '',
	last_started_at     TEXT,
	last_finished_at    TEXT,
	last_result_code    TEXT NOT NULL DEFAULT '',
	last_success_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_accesses_equal ON accesses(financial_entity_id, credentials_ref);

CREATE TABLE IF NOT EXISTS accounts (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	access_id             INTEGER NOT NULL REFERENCES accesses(id),
	external_id           TEXT NOT NULL,
	currency              TEXT NOT NULL,
	balance               TEXT NOT NULL DEFAULT '0',
	opening_balance       TEXT NOT NULL DEFAULT '0',
	balance_updated_at    TEXT,
	scraping_balance      INTEGER NOT NULL DEFAULT 0,
	scraping_transactions INTEGER NOT NULL DEFAULT 0,
	integrity_error       INTEGER NOT NULL DEFAULT 0,
	integrity_delta       TEXT NOT NULL DEFAULT '0',
	UNIQUE (access_id, external_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id      INTEGER NOT NULL REFERENCES accounts(id),
	content_key     TEXT NOT NULL,
	operation_date  TEXT NOT NULL,
	value_date      TEXT NOT NULL,
	description     TEXT NOT NULL,
	amount          TEXT NOT NULL,
	running_balance TEXT,
	native_id       TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	exported_at     TEXT,
	renews_id       INTEGER REFERENCES transactions(id),
	synthetic       INTEGER NOT NULL DEFAULT 0,
	UNIQUE (account_id, content_key)
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions(account_id, operation_date);
CREATE INDEX IF NOT EXISTS idx_transactions_renews ON transactions(renews_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(sqliteTime)
	return &v
}

func parseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTime, *s)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse time %q", *s)
	}
	return &t, nil
}

func (s *SQLiteStore) RegisterAccess(ctx context.Context, a model.Access) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO customers (id) VALUES (?)`, a.CustomerID); err != nil {
		return 0, eris.Wrap(err, "sqlite: ensure customer")
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO accesses (customer_id, financial_entity_id, credentials_ref, enabled) VALUES (?, ?, ?, ?)`,
		a.CustomerID, a.FinancialEntityID, a.CredentialsRef, a.Enabled,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert access")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: access id")
	}
	return id, eris.Wrap(tx.Commit(), "sqlite: commit access")
}

func (s *SQLiteStore) ListAccessStates(ctx context.Context) ([]model.AccessState, error) {
	return s.queryAccessStates(ctx, s.db, `ORDER BY customer_id, id`)
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) queryAccessStates(ctx context.Context, q sqlQuerier, tail string, args ...any) ([]model.AccessState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, customer_id, financial_entity_id, credentials_ref, enabled, in_progress,
		       run_id, last_started_at, last_finished_at, last_result_code, last_success_at
		FROM accesses `+tail, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query accesses")
	}
	defer rows.Close()

	var out []model.AccessState
	for rows.Next() {
		var st model.AccessState
		var code string
		var started, finished, success *string
		if err := rows.Scan(&st.AccessID, &st.CustomerID, &st.FinancialEntityID, &st.CredentialsRef,
			&st.Enabled, &st.InProgress, &st.RunID, &started, &finished, &code, &success,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan access")
		}
		st.LastResultCode = model.ResultCode(code)
		if st.LastStartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if st.LastFinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		if st.LastSuccessAt, err = parseTime(success); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate accesses")
}

func (s *SQLiteStore) EligibleWork(ctx context.Context, f WorkFilter) ([]model.AccessWorkItem, error) {
	states, err := s.ListAccessStates(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[int64]bool, len(f.AccessIDs))
	for _, id := range f.AccessIDs {
		wanted[id] = true
	}

	var items []model.AccessWorkItem
	for _, st := range states {
		switch {
		case !st.Enabled:
			continue
		case st.Running(f.Now, f.StaleAfter):
			continue
		case f.CustomerID != 0 && st.CustomerID != f.CustomerID:
			continue
		case len(wanted) > 0 && !wanted[st.AccessID]:
			continue
		case !f.IncludeBlocked && st.LastResultCode.Blocking():
			continue
		}
		items = append(items, model.AccessWorkItem{
			CustomerID:        st.CustomerID,
			AccessID:          st.AccessID,
			FinancialEntityID: st.FinancialEntityID,
			CredentialsRef:    st.CredentialsRef,
			LastSuccessAt:     st.LastSuccessAt,
		})
	}
	return items, nil
}

func (s *SQLiteStore) equalInProgress(ctx context.Context, q sqlQuerier, accessID int64, now time.Time, staleAfter time.Duration) (bool, error) {
	states, err := s.queryAccessStates(ctx, q, `
		WHERE (financial_entity_id, credentials_ref) =
		      (SELECT financial_entity_id, credentials_ref FROM accesses WHERE id = ?)`, accessID)
	if err != nil {
		return false, err
	}
	for _, st := range states {
		if st.Running(now, staleAfter) {
			return true, nil
		}
	}
	return false, nil
}

func (s *SQLiteStore) IsAnyEqualAccessInProgress(ctx context.Context, accessID int64, now time.Time, staleAfter time.Duration) (bool, error) {
	busy, err := s.equalInProgress(ctx, s.db, accessID, now, staleAfter)
	return busy, eris.Wrapf(err, "sqlite: equal access check %d", accessID)
}

func (s *SQLiteStore) TryClaim(ctx context.Context, accessID int64, runID string, startedAt time.Time, staleAfter time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	busy, err := s.equalInProgress(ctx, tx, accessID, startedAt, staleAfter)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim check %d", accessID)
	}
	if busy {
		return false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accesses SET in_progress = 1, run_id = ?, last_started_at = ?, last_finished_at = NULL WHERE id = ?`,
		runID, formatTime(&startedAt), accessID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim update %d", accessID)
	}
	if err := checkRowsAffected(res, "access", accessID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit claim")
	}
	return true, nil
}

func (s *SQLiteStore) SetRunState(ctx context.Context, rs model.RunState) error {
	succeeded := rs.LastResultCode.Succeeded() && !rs.InProgress
	res, err := s.db.ExecContext(ctx, `
		UPDATE accesses SET
			in_progress = ?,
			run_id = ?,
			last_started_at = ?,
			last_finished_at = ?,
			last_result_code = ?,
			last_success_at = CASE WHEN ? THEN ? ELSE last_success_at END
		WHERE id = ?`,
		rs.InProgress, rs.RunID, formatTime(rs.LastStartedAt), formatTime(rs.LastFinishedAt),
		string(rs.LastResultCode), succeeded, formatTime(rs.LastFinishedAt), rs.AccessID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run state %d", rs.AccessID)
	}
	return checkRowsAffected(res, "access", rs.AccessID)
}

func (s *SQLiteStore) AbortRun(ctx context.Context, accessID int64, code model.ResultCode, startedAt, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accesses SET last_started_at = ?, last_finished_at = ?, last_result_code = ?
		WHERE id = ? AND in_progress = 0`,
		formatTime(&startedAt), formatTime(&finishedAt), string(code), accessID,
	)
	return eris.Wrapf(err, "sqlite: abort run %d", accessID)
}

func (s *SQLiteStore) StartCustomer(ctx context.Context, customerID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE customers SET last_started_at = ? WHERE id = ?`, formatTime(&at), customerID)
	return eris.Wrapf(err, "sqlite: start customer %d", customerID)
}

func (s *SQLiteStore) FinishCustomer(ctx context.Context, customerID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE customers SET last_finished_at = ? WHERE id = ?`, formatTime(&at), customerID)
	return eris.Wrapf(err, "sqlite: finish customer %d", customerID)
}

// CustomerRun returns a customer's last start and finish times.
func (s *SQLiteStore) CustomerRun(ctx context.Context, customerID int64) (started, finished *time.Time, err error) {
	var st, fin *string
	err = s.db.QueryRowContext(ctx,
		`SELECT last_started_at, last_finished_at FROM customers WHERE id = ?`, customerID,
	).Scan(&st, &fin)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: customer %d", customerID)
	}
	if started, err = parseTime(st); err != nil {
		return nil, nil, err
	}
	finished, err = parseTime(fin)
	return started, finished, err
}

const sqliteAccountColumns = `id, access_id, external_id, currency, balance, opening_balance,
	balance_updated_at, scraping_balance, scraping_transactions, integrity_error, integrity_delta`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var balance, opening, delta string
	var updated *string
	if err := row.Scan(&a.ID, &a.AccessID, &a.ExternalID, &a.Currency, &balance, &opening,
		&updated, &a.ScrapingBalance, &a.ScrapingTransactions, &a.IntegrityError, &delta,
	); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	if a.OpeningBalance, err = parseDecimal(opening); err != nil {
		return nil, err
	}
	if a.IntegrityDelta, err = parseDecimal(delta); err != nil {
		return nil, err
	}
	if a.BalanceUpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) EnsureAccount(ctx context.Context, accessID int64, snap model.AccountSnapshot) (*model.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (access_id, external_id, currency) VALUES (?, ?, ?)
		ON CONFLICT (access_id, external_id) DO UPDATE SET currency = excluded.currency
		RETURNING `+sqliteAccountColumns,
		accessID, snap.ExternalID, snap.Currency,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure account %s", snap.ExternalID)
	}
	return a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: account %d", accountID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get account %d", accountID)
	}
	return a, nil
}

func (s *SQLiteStore) ListFlaggedAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE integrity_error = 1 ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flagged accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate accounts")
}

func (s *SQLiteStore) SetAccountScraping(ctx context.Context, accountID int64, balance, transactions bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET scraping_balance = ?, scraping_transactions = ? WHERE id = ?`,
		balance, transactions, accountID,
	)
	return eris.Wrapf(err, "sqlite: set scraping flags %d", accountID)
}

const sqliteTransactionColumns = `id, account_id, content_key, operation_date, value_date, description, amount,
	running_balance, native_id, created_at, exported_at, renews_id, synthetic`

func scanSQLiteTransactions(rows *sql.Rows) ([]model.TransactionRecord, error) {
	defer rows.Close()

	var out []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var key, opDate, valDate, amount, created string
		var balance, exported *string
		if err := rows.Scan(&r.ID, &r.AccountID, &key, &opDate, &valDate, &r.Description, &amount,
			&balance, &r.NativeID, &created, &exported, &r.RenewsID, &r.Synthetic,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		r.Key = model.Key(key)

		var err error
		if r.OperationDate, err = time.Parse(sqliteDate, opDate); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse operation date")
		}
		if r.ValueDate, err = time.Parse(sqliteDate, valDate); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse value date")
		}
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if r.RunningBalance, err = parseDecimalPtr(balance); err != nil {
			return nil, err
		}
		createdAt, err := parseTime(&created)
		if err != nil {
			return nil, err
		}
		if createdAt != nil {
			r.CreatedAt = *createdAt
		}
		if r.ExportedAt, err = parseTime(exported); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate transactions")
}

func (s *SQLiteStore) LedgerWindow(ctx context.Context, accountID int64, from, to time.Time) ([]model.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTransactionColumns+` FROM transactions
		WHERE account_id = ? AND operation_date BETWEEN ? AND ?
		ORDER BY operation_date, id`,
		accountID, from.Format(sqliteDate), to.Format(sqliteDate),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ledger window %d", accountID)
	}
	return scanSQLiteTransactions(rows)
}

func (s *SQLiteStore) LedgerRows(ctx context.Context, accountID int64) ([]model.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTransactionColumns+` FROM transactions
		WHERE account_id = ?
		ORDER BY operation_date, id`,
		accountID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ledger rows %d", accountID)
	}
	return scanSQLiteTransactions(rows)
}

// LedgerBalance sums amounts in Go; SQLite has no exact decimal type.
func (s *SQLiteStore) LedgerBalance(ctx context.Context, accountID int64) (decimal.Decimal, bool, error) {
	var opening string
	err := s.db.QueryRowContext(ctx, `SELECT opening_balance FROM accounts WHERE id = ?`, accountID).Scan(&opening)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, eris.Wrapf(ErrNotFound, "sqlite: account %d", accountID)
	}
	if err != nil {
		return decimal.Zero, false, eris.Wrapf(err, "sqlite: ledger balance %d", accountID)
	}
	bal, err := parseDecimal(opening)
	if err != nil {
		return decimal.Zero, false, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.amount,
		       NOT EXISTS (SELECT 1 FROM transactions r WHERE r.renews_id = t.id)
		FROM transactions t WHERE t.account_id = ?`, accountID)
	if err != nil {
		return decimal.Zero, false, eris.Wrapf(err, "sqlite: ledger amounts %d", accountID)
	}
	defer rows.Close()

	hasHistory := false
	for rows.Next() {
		var amount string
		var effective bool
		if err := rows.Scan(&amount, &effective); err != nil {
			return decimal.Zero, false, eris.Wrap(err, "sqlite: scan amount")
		}
		hasHistory = true
		if !effective {
			continue
		}
		d, err := parseDecimal(amount)
		if err != nil {
			return decimal.Zero, false, err
		}
		bal = bal.Add(d)
	}
	return bal, hasHistory, eris.Wrap(rows.Err(), "sqlite: iterate amounts")
}

func (s *SQLiteStore) Commit(ctx context.Context, req CommitRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions
		(account_id, content_key, operation_date, value_date, description, amount,
		 running_balance, native_id, created_at, renews_id, synthetic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close()

	for _, ins := range req.Inserts {
		t := ins.Transaction
		if _, err := stmt.ExecContext(ctx,
			req.AccountID, string(ins.Key), t.OperationDate.Format(sqliteDate), t.ValueDate.Format(sqliteDate),
			t.Description, t.Amount.String(), decimalPtrString(t.RunningBalance), t.NativeID,
			formatTime(&ins.CreatedAt), ins.RenewsID, ins.Synthetic,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert transaction %s", ins.Key)
		}
	}

	var opening decimal.Decimal
	if req.OpeningBalance != nil {
		opening = *req.OpeningBalance
	} else {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT opening_balance FROM accounts WHERE id = ?`, req.AccountID).Scan(&current); err != nil {
			return eris.Wrapf(err, "sqlite: read opening balance %d", req.AccountID)
		}
		cur, err := parseDecimal(current)
		if err != nil {
			return err
		}
		opening = cur.Add(req.OpeningAdjustment)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance = ?,
			balance_updated_at = ?,
			opening_balance = ?,
			scraping_balance = 0,
			scraping_transactions = 0,
			integrity_error = 0,
			integrity_delta = '0'
		WHERE id = ?`,
		req.Balance.String(), formatTime(&req.BalanceAt), opening.String(), req.AccountID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update account %d", req.AccountID)
	}
	if err := checkRowsAffected(res, "account", req.AccountID); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit account %d", req.AccountID)
}

func (s *SQLiteStore) FlagIntegrity(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			integrity_error = 1,
			integrity_delta = ?,
			scraping_balance = 0,
			scraping_transactions = 0
		WHERE id = ?`,
		delta.String(), accountID,
	)
	return eris.Wrapf(err, "sqlite: flag integrity %d", accountID)
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %d", entity, id)
	}
	return nil
}
