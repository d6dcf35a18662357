package store

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/db"
	"github.com/sells-group/ledger-sync/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID = 8675309

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies pending embedded migrations in lexicographic order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) RegisterAccess(ctx context.Context, a model.Access) (int64, error) {
	var id int64
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO customers (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, a.CustomerID,
		); err != nil {
			return eris.Wrap(err, "postgres: ensure customer")
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO accesses (customer_id, financial_entity_id, credentials_ref, enabled) VALUES ($1, $2, $3, $4) RETURNING id`,
			a.CustomerID, a.FinancialEntityID, a.CredentialsRef, a.Enabled,
		).Scan(&id)
		return eris.Wrap(err, "postgres: insert access")
	})
	return id, err
}

func (s *PostgresStore) EligibleWork(ctx context.Context, f WorkFilter) ([]model.AccessWorkItem, error) {
	ids := f.AccessIDs
	if ids == nil {
		ids = []int64{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, financial_entity_id, credentials_ref, last_success_at
		FROM accesses
		WHERE enabled
		  AND NOT (in_progress AND COALESCE(last_started_at > $1, true))
		  AND ($2::bigint = 0 OR customer_id = $2)
		  AND (cardinality($3::bigint[]) = 0 OR id = ANY($3))
		  AND ($4 OR last_result_code IS NULL OR NOT (last_result_code = ANY($5)))
		ORDER BY customer_id, id`,
		f.Now.Add(-f.StaleAfter), f.CustomerID, ids, f.IncludeBlocked, blockingCodes,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: eligible work")
	}
	defer rows.Close()

	var items []model.AccessWorkItem
	for rows.Next() {
		var it model.AccessWorkItem
		if err := rows.Scan(&it.AccessID, &it.CustomerID, &it.FinancialEntityID, &it.CredentialsRef, &it.LastSuccessAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan work item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate work items")
}

const equalInProgressSQL = `
	SELECT EXISTS (
		SELECT 1
		FROM accesses me
		JOIN accesses other
		  ON other.financial_entity_id = me.financial_entity_id
		 AND other.credentials_ref = me.credentials_ref
		WHERE me.id = $1 AND other.in_progress AND other.last_started_at > $2
	)`

func (s *PostgresStore) IsAnyEqualAccessInProgress(ctx context.Context, accessID int64, now time.Time, staleAfter time.Duration) (bool, error) {
	var busy bool
	err := s.pool.QueryRow(ctx, equalInProgressSQL, accessID, now.Add(-staleAfter)).Scan(&busy)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: equal access check %d", accessID)
	}
	return busy, nil
}

// TryClaim marks the access in progress unless an equal access already is.
// Claims for the same credentials serialize on a transaction-scoped
// advisory lock.
func (s *PostgresStore) TryClaim(ctx context.Context, accessID int64, runID string, startedAt time.Time, staleAfter time.Duration) (bool, error) {
	claimed := false
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext(financial_entity_id || '/' || credentials_ref)) FROM accesses WHERE id = $1`,
			accessID,
		); err != nil {
			return eris.Wrap(err, "postgres: claim lock")
		}

		var busy bool
		if err := tx.QueryRow(ctx, equalInProgressSQL, accessID, startedAt.Add(-staleAfter)).Scan(&busy); err != nil {
			return eris.Wrap(err, "postgres: claim check")
		}
		if busy {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE accesses SET in_progress = true, run_id = $2, last_started_at = $3, last_finished_at = NULL WHERE id = $1`,
			accessID, runID, startedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: claim update")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: access %d", accessID)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "postgres: try claim %d", accessID)
	}
	return claimed, nil
}

func (s *PostgresStore) SetRunState(ctx context.Context, rs model.RunState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accesses SET
			in_progress = $2,
			run_id = $3,
			last_started_at = $4,
			last_finished_at = $5,
			last_result_code = $6,
			last_success_at = CASE WHEN $7 THEN $5 ELSE last_success_at END
		WHERE id = $1`,
		rs.AccessID, rs.InProgress, rs.RunID, rs.LastStartedAt, rs.LastFinishedAt,
		string(rs.LastResultCode), rs.LastResultCode.Succeeded() && !rs.InProgress,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run state %d", rs.AccessID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: access %d", rs.AccessID)
	}
	return nil
}

func (s *PostgresStore) AbortRun(ctx context.Context, accessID int64, code model.ResultCode, startedAt, finishedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accesses SET
			last_started_at = $2,
			last_finished_at = $3,
			last_result_code = $4
		WHERE id = $1 AND NOT in_progress`,
		accessID, startedAt, finishedAt, string(code),
	)
	return eris.Wrapf(err, "postgres: abort run %d", accessID)
}

func (s *PostgresStore) StartCustomer(ctx context.Context, customerID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE customers SET last_started_at = $2 WHERE id = $1`, customerID, at)
	return eris.Wrapf(err, "postgres: start customer %d", customerID)
}

func (s *PostgresStore) FinishCustomer(ctx context.Context, customerID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE customers SET last_finished_at = $2 WHERE id = $1`, customerID, at)
	return eris.Wrapf(err, "postgres: finish customer %d", customerID)
}

func (s *PostgresStore) ListAccessStates(ctx context.Context) ([]model.AccessState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, financial_entity_id, credentials_ref, enabled, in_progress,
		       COALESCE(run_id, ''), last_started_at, last_finished_at, COALESCE(last_result_code, ''), last_success_at
		FROM accesses
		ORDER BY customer_id, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list access states")
	}
	defer rows.Close()

	var out []model.AccessState
	for rows.Next() {
		var st model.AccessState
		var code string
		if err := rows.Scan(&st.AccessID, &st.CustomerID, &st.FinancialEntityID, &st.CredentialsRef,
			&st.Enabled, &st.InProgress, &st.RunID, &st.LastStartedAt, &st.LastFinishedAt, &code, &st.LastSuccessAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan access state")
		}
		st.LastResultCode = model.ResultCode(code)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate access states")
}

const accountColumns = `id, access_id, external_id, currency, balance::text, opening_balance::text,
	balance_updated_at, scraping_balance, scraping_transactions, integrity_error, integrity_delta::text`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance, opening, delta string
	if err := row.Scan(&a.ID, &a.AccessID, &a.ExternalID, &a.Currency, &balance, &opening,
		&a.BalanceUpdatedAt, &a.ScrapingBalance, &a.ScrapingTransactions, &a.IntegrityError, &delta,
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
	return &a, nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, accessID int64, snap model.AccountSnapshot) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `
		INSERT INTO accounts (access_id, external_id, currency) VALUES ($1, $2, $3)
		ON CONFLICT (access_id, external_id) DO UPDATE SET currency = EXCLUDED.currency
		RETURNING `+accountColumns,
		accessID, snap.ExternalID, snap.Currency,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure account %s", snap.ExternalID)
	}
	return a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: account %d", accountID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get account %d", accountID)
	}
	return a, nil
}

func (s *PostgresStore) ListFlaggedAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE integrity_error ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flagged accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate accounts")
}

func (s *PostgresStore) SetAccountScraping(ctx context.Context, accountID int64, balance, transactions bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET scraping_balance = $2, scraping_transactions = $3 WHERE id = $1`,
		accountID, balance, transactions,
	)
	return eris.Wrapf(err, "postgres: set scraping flags %d", accountID)
}

const transactionColumns = `id, account_id, content_key, operation_date, value_date, description, amount::text,
	running_balance::text, COALESCE(native_id, ''), created_at, exported_at, renews_id, synthetic`

func scanTransactions(rows pgx.Rows) ([]model.TransactionRecord, error) {
	defer rows.Close()

	var out []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var key, amount string
		var balance *string
		if err := rows.Scan(&r.ID, &r.AccountID, &key, &r.OperationDate, &r.ValueDate, &r.Description, &amount,
			&balance, &r.NativeID, &r.CreatedAt, &r.ExportedAt, &r.RenewsID, &r.Synthetic,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		r.Key = model.Key(key)
		var err error
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if r.RunningBalance, err = parseDecimalPtr(balance); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate transactions")
}

func (s *PostgresStore) LedgerWindow(ctx context.Context, accountID int64, from, to time.Time) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1 AND operation_date BETWEEN $2 AND $3
		ORDER BY operation_date, id`,
		accountID, from, to,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ledger window %d", accountID)
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) LedgerRows(ctx context.Context, accountID int64) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1
		ORDER BY operation_date, id`,
		accountID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ledger rows %d", accountID)
	}
	return scanTransactions(rows)
}

// LedgerBalance returns the opening balance plus every row no later row
// renews, and whether the account has any rows at all.
func (s *PostgresStore) LedgerBalance(ctx context.Context, accountID int64) (decimal.Decimal, bool, error) {
	var opening, sum string
	var hasHistory bool
	err := s.pool.QueryRow(ctx, `
		SELECT a.opening_balance::text,
		       COALESCE((SELECT SUM(t.amount) FROM transactions t
		                 WHERE t.account_id = a.id
		                   AND NOT EXISTS (SELECT 1 FROM transactions r WHERE r.renews_id = t.id)), 0)::text,
		       EXISTS (SELECT 1 FROM transactions t WHERE t.account_id = a.id)
		FROM accounts a WHERE a.id = $1`,
		accountID,
	).Scan(&opening, &sum, &hasHistory)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, eris.Wrapf(ErrNotFound, "postgres: account %d", accountID)
	}
	if err != nil {
		return decimal.Zero, false, eris.Wrapf(err, "postgres: ledger balance %d", accountID)
	}

	o, err := parseDecimal(opening)
	if err != nil {
		return decimal.Zero, false, err
	}
	t, err := parseDecimal(sum)
	if err != nil {
		return decimal.Zero, false, err
	}
	return o.Add(t), hasHistory, nil
}

var copyColumns = []string{
	"account_id", "content_key", "operation_date", "value_date", "description", "amount",
	"running_balance", "native_id", "created_at", "renews_id", "synthetic",
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Commit writes the plan's rows and the account's new balance atomically.
// A commit also clears the scraping flags and any integrity flag.
func (s *PostgresStore) Commit(ctx context.Context, req CommitRequest) error {
	rows := make([][]any, 0, len(req.Inserts))
	for _, ins := range req.Inserts {
		tx := ins.Transaction
		rows = append(rows, []any{
			req.AccountID, string(ins.Key), tx.OperationDate, tx.ValueDate, tx.Description,
			db.Numeric(tx.Amount), db.NullNumeric(tx.RunningBalance), nullString(tx.NativeID),
			ins.CreatedAt, ins.RenewsID, ins.Synthetic,
		})
	}

	var opening *string
	if req.OpeningBalance != nil {
		opening = decimalPtrString(req.OpeningBalance)
	}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := db.CopyFrom(ctx, tx, "transactions", copyColumns, rows); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE accounts SET
				balance = $2::numeric,
				balance_updated_at = $3,
				opening_balance = COALESCE($4::numeric, opening_balance + $5::numeric),
				scraping_balance = false,
				scraping_transactions = false,
				integrity_error = false,
				integrity_delta = 0
			WHERE id = $1`,
			req.AccountID, req.Balance.String(), req.BalanceAt, opening, req.OpeningAdjustment.String(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: update account")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: account %d", req.AccountID)
		}
		return nil
	})
	return eris.Wrapf(err, "postgres: commit account %d", req.AccountID)
}

func (s *PostgresStore) FlagIntegrity(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			integrity_error = true,
			integrity_delta = $2::numeric,
			scraping_balance = false,
			scraping_transactions = false
		WHERE id = $1`,
		accountID, delta.String(),
	)
	return eris.Wrapf(err, "postgres: flag integrity %d", accountID)
}
