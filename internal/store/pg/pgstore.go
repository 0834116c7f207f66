package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"meridianbank.org/internal/auth"
	"meridianbank.org/internal/bank"
	"meridianbank.org/internal/ids"

	"github.com/google/uuid"
)

// Store implements bank.Service on PostgreSQL. Every balance-affecting
// operation runs in a serializable transaction; account rows are locked
// FOR UPDATE in ascending-id order so two transfers touching the same pair
// of accounts cannot deadlock.
type Store struct {
	db     *sql.DB
	policy bank.Policy
}

var _ bank.Service = (*Store)(nil)

func Open(dsn string, policy bank.Policy) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, policy: policy}, nil
}

// NewWithDB wraps an existing connection pool (used by tests).
func NewWithDB(db *sql.DB, policy bank.Policy) *Store {
	return &Store{db: db, policy: policy}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const (
	numberPrefix   = "ACC"
	numberAttempts = 10
)

func (s *Store) CreateAccount(ctx context.Context, spec bank.AccountSpec) (bank.Account, error) {
	switch spec.Type {
	case bank.TypeSavings, bank.TypeChecking, bank.TypeLoan, bank.TypeInvestment:
	default:
		return bank.Account{}, fmt.Errorf("%w: unsupported account type %q", bank.ErrInvalidState, spec.Type)
	}
	if spec.InitialDeposit.IsNegative() || !spec.InitialDeposit.Equal(spec.InitialDeposit.Round(2)) {
		return bank.Account{}, bank.ErrInvalidAmount
	}
	if spec.OverdraftLimit.IsNegative() {
		return bank.Account{}, bank.ErrInvalidAmount
	}

	// The account_number unique constraint backs collision detection; each
	// collision restarts the transaction, bounded so a dense number space
	// fails fast instead of looping forever.
	var lastErr error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		number := fmt.Sprintf("%s%08d", numberPrefix, mathrand.Intn(99999999)+1)
		acc, err := s.insertAccount(ctx, spec, number)
		if err == nil {
			return acc, nil
		}
		if !isUniqueViolation(err) {
			return bank.Account{}, err
		}
		lastErr = err
	}
	return bank.Account{}, fmt.Errorf("%w: %v", bank.ErrNumberGeneration, lastErr)
}

func (s *Store) insertAccount(ctx context.Context, spec bank.AccountSpec, number string) (bank.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bank.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if spec.ParentID != "" {
		var dummy int
		err := tx.QueryRowContext(ctx, `select 1 from accounts where id=$1`, spec.ParentID).Scan(&dummy)
		if errors.Is(err, sql.ErrNoRows) {
			return bank.Account{}, fmt.Errorf("parent account: %w", bank.ErrNotFound)
		}
		if err != nil {
			return bank.Account{}, err
		}
	}

	id := uuid.NewString()
	var created time.Time
	err = tx.QueryRowContext(ctx, `
		insert into accounts(id, owner_id, account_number, account_type, balance, interest_rate, overdraft_limit, state, parent_account_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''))
		returning created_at
	`, id, spec.OwnerID, number, string(spec.Type), spec.InitialDeposit, spec.InterestRate, spec.OverdraftLimit, string(bank.StateActive), spec.ParentID).Scan(&created)
	if err != nil {
		return bank.Account{}, err
	}

	if spec.InitialDeposit.IsPositive() {
		if _, err := tx.ExecContext(ctx, `
			insert into transactions(id, account_id, amount, type, status, description, reference, initiated_by, approved_by)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, uuid.NewString(), id, spec.InitialDeposit, string(bank.TxDeposit), string(bank.StatusCompleted), "Initial deposit", ids.New(), spec.OwnerID, spec.OwnerID); err != nil {
			return bank.Account{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return bank.Account{}, err
	}

	return bank.Account{
		ID:             id,
		OwnerID:        spec.OwnerID,
		Number:         number,
		Type:           spec.Type,
		Balance:        spec.InitialDeposit,
		InterestRate:   spec.InterestRate,
		OverdraftLimit: spec.OverdraftLimit,
		State:          bank.StateActive,
		ParentID:       spec.ParentID,
		CreatedAt:      created,
	}, nil
}

const accountColumns = `id, owner_id, account_number, account_type, balance, interest_rate, overdraft_limit, state, coalesce(parent_account_id,''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (bank.Account, error) {
	var acc bank.Account
	var accType, state string
	err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Number, &accType, &acc.Balance, &acc.InterestRate, &acc.OverdraftLimit, &state, &acc.ParentID, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bank.Account{}, bank.ErrNotFound
	}
	if err != nil {
		return bank.Account{}, err
	}
	acc.Type = bank.AccountType(accType)
	acc.State = bank.AccountState(state)
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (bank.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

// lockAccount reads an account row FOR UPDATE inside tx.
func lockAccount(ctx context.Context, tx *sql.Tx, id string) (bank.Account, error) {
	row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1 for update`, id)
	return scanAccount(row)
}

func (s *Store) SetAccountState(ctx context.Context, id string, state bank.AccountState) (bank.Account, error) {
	switch state {
	case bank.StateActive, bank.StateFrozen, bank.StateSuspended:
	default:
		return bank.Account{}, fmt.Errorf("%w: %q", bank.ErrInvalidState, state)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bank.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, id)
	if err != nil {
		return bank.Account{}, err
	}
	if acc.IsClosed() {
		return bank.Account{}, bank.ErrAccountInactive
	}
	if _, err := tx.ExecContext(ctx, `update accounts set state=$2 where id=$1`, id, string(state)); err != nil {
		return bank.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return bank.Account{}, err
	}
	acc.State = state
	return acc, nil
}

func (s *Store) CloseAccount(ctx context.Context, id string) (bank.Account, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bank.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, id)
	if err != nil {
		return bank.Account{}, err
	}
	if acc.IsClosed() || !acc.Balance.IsZero() {
		return bank.Account{}, bank.ErrAccountNotClosable
	}
	if _, err := tx.ExecContext(ctx, `update accounts set state=$2 where id=$1`, id, string(bank.StateClosed)); err != nil {
		return bank.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return bank.Account{}, err
	}
	acc.State = bank.StateClosed
	return acc, nil
}

func (s *Store) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, actor auth.Actor, description string) (bank.Transaction, error) {
	if err := bank.ValidateAmount(amount); err != nil {
		return bank.Transaction{}, err
	}
	if description == "" {
		description = "Deposit"
	}
	return s.createMovement(ctx, accountID, "", amount, bank.TxDeposit, actor, description)
}

func (s *Store) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, actor auth.Actor, description string) (bank.Transaction, error) {
	if err := bank.ValidateAmount(amount); err != nil {
		return bank.Transaction{}, err
	}
	if description == "" {
		description = "Withdrawal"
	}
	return s.createMovement(ctx, accountID, "", amount, bank.TxWithdrawal, actor, description)
}

func (s *Store) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, actor auth.Actor, description string) (bank.Transaction, error) {
	if err := bank.ValidateAmount(amount); err != nil {
		return bank.Transaction{}, err
	}
	if fromID == toID {
		return bank.Transaction{}, bank.ErrSameAccount
	}
	if description == "" {
		description = "Transfer"
	}
	return s.createMovement(ctx, fromID, toID, amount, bank.TxTransfer, actor, description)
}

// createMovement runs the create path for all three operation kinds inside
// a single serializable transaction: guard, sufficiency, classification and
// (on the auto-apply path) the balance mutation commit together.
func (s *Store) createMovement(ctx context.Context, accountID, destinationID string, amount decimal.Decimal, txType bank.TransactionType, actor auth.Actor, description string) (bank.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bank.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var source, dest bank.Account
	if destinationID == "" {
		source, err = lockAccount(ctx, tx, accountID)
		if err != nil {
			return bank.Transaction{}, err
		}
	} else {
		source, dest, err = lockAccountPair(ctx, tx, accountID, destinationID)
		if err != nil {
			return bank.Transaction{}, err
		}
	}

	if !source.IsActive() {
		return bank.Transaction{}, bank.ErrAccountInactive
	}
	if destinationID != "" && !dest.IsActive() {
		return bank.Transaction{}, bank.ErrAccountInactive
	}
	if txType != bank.TxDeposit && source.Available().LessThan(amount) {
		return bank.Transaction{}, bank.ErrInsufficientFunds
	}

	record := bank.Transaction{
		ID:                   uuid.NewString(),
		AccountID:            accountID,
		DestinationAccountID: destinationID,
		Amount:               amount,
		Type:                 txType,
		Status:               bank.StatusPending,
		Description:          description,
		Reference:            ids.New(),
		InitiatedBy:          actor.ID,
	}
	if s.policy.Classify(amount).AutoApply {
		record.Status = bank.StatusCompleted
		record.ApprovedBy = actor.ID
	}

	var created time.Time
	err = tx.QueryRowContext(ctx, `
		insert into transactions(id, account_id, destination_account_id, amount, type, status, description, reference, initiated_by, approved_by)
		values ($1,$2,nullif($3,''),$4,$5,$6,$7,$8,$9,nullif($10,''))
		returning created_at
	`, record.ID, record.AccountID, record.DestinationAccountID, record.Amount, string(record.Type), string(record.Status), record.Description, record.Reference, record.InitiatedBy, record.ApprovedBy).Scan(&created)
	if err != nil {
		return bank.Transaction{}, err
	}
	record.CreatedAt = created

	if record.Status == bank.StatusCompleted {
		if err := applyMutation(ctx, tx, record); err != nil {
			return bank.Transaction{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return bank.Transaction{}, err
	}
	return record, nil
}

// lockAccountPair locks both rows in ascending-id order regardless of which
// side initiated the transfer.
func lockAccountPair(ctx context.Context, tx *sql.Tx, sourceID, destID string) (bank.Account, bank.Account, error) {
	first, second := sourceID, destID
	if destID < sourceID {
		first, second = destID, sourceID
	}
	a, err := lockAccount(ctx, tx, first)
	if err != nil {
		return bank.Account{}, bank.Account{}, err
	}
	b, err := lockAccount(ctx, tx, second)
	if err != nil {
		return bank.Account{}, bank.Account{}, err
	}
	if a.ID == sourceID {
		return a, b, nil
	}
	return b, a, nil
}

// applyMutation performs the balance writes for a settling transaction.
// Callers hold FOR UPDATE locks on every touched account row.
func applyMutation(ctx context.Context, tx *sql.Tx, record bank.Transaction) error {
	switch record.Type {
	case bank.TxDeposit:
		_, err := tx.ExecContext(ctx, `update accounts set balance = balance + $2 where id=$1`, record.AccountID, record.Amount)
		return err
	case bank.TxWithdrawal, bank.TxPayment:
		_, err := tx.ExecContext(ctx, `update accounts set balance = balance - $2 where id=$1`, record.AccountID, record.Amount)
		return err
	case bank.TxTransfer:
		if _, err := tx.ExecContext(ctx, `update accounts set balance = balance - $2 where id=$1`, record.AccountID, record.Amount); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `update accounts set balance = balance + $2 where id=$1`, record.DestinationAccountID, record.Amount)
		return err
	default:
		return fmt.Errorf("%w: unsupported transaction type %q", bank.ErrInvalidState, record.Type)
	}
}

const transactionColumns = `id, account_id, coalesce(destination_account_id,''), amount, type, status, coalesce(description,''), reference, initiated_by, coalesce(approved_by,''), created_at`

func scanTransaction(row rowScanner) (bank.Transaction, error) {
	var t bank.Transaction
	var txType, status string
	err := row.Scan(&t.ID, &t.AccountID, &t.DestinationAccountID, &t.Amount, &txType, &status, &t.Description, &t.Reference, &t.InitiatedBy, &t.ApprovedBy, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bank.Transaction{}, bank.ErrNotFound
	}
	if err != nil {
		return bank.Transaction{}, err
	}
	t.Type = bank.TransactionType(txType)
	t.Status = bank.TransactionStatus(status)
	return t, nil
}

func (s *Store) Approve(ctx context.Context, reference string, actor auth.Actor) (bank.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bank.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := scanTransaction(tx.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where reference=$1 for update`, reference))
	if err != nil {
		return bank.Transaction{}, err
	}
	// The row lock makes the status check and the mutation atomic:
	// a racing resolver blocks here and then observes the terminal status.
	if !record.IsPending() {
		return bank.Transaction{}, bank.ErrNotPending
	}
	decision := s.policy.Classify(record.Amount)
	if decision.AutoApply {
		return bank.Transaction{}, bank.ErrApprovalNotRequired
	}
	if !decision.CanResolve(actor.Role) {
		return bank.Transaction{}, bank.ErrRoleNotPermitted
	}

	var source, dest bank.Account
	if record.DestinationAccountID == "" {
		source, err = lockAccount(ctx, tx, record.AccountID)
		if err != nil {
			return bank.Transaction{}, err
		}
	} else {
		source, dest, err = lockAccountPair(ctx, tx, record.AccountID, record.DestinationAccountID)
		if err != nil {
			return bank.Transaction{}, err
		}
	}
	if !source.IsActive() || (record.DestinationAccountID != "" && !dest.IsActive()) {
		return bank.Transaction{}, bank.ErrAccountInactive
	}
	if record.Type != bank.TxDeposit && source.Available().LessThan(record.Amount) {
		return bank.Transaction{}, bank.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `update transactions set status=$2, approved_by=$3 where id=$1`, record.ID, string(bank.StatusApproved), actor.ID); err != nil {
		return bank.Transaction{}, err
	}
	if err := applyMutation(ctx, tx, record); err != nil {
		return bank.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `update transactions set status=$2 where id=$1`, record.ID, string(bank.StatusCompleted)); err != nil {
		return bank.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return bank.Transaction{}, err
	}
	record.Status = bank.StatusCompleted
	record.ApprovedBy = actor.ID
	return record, nil
}

func (s *Store) Reject(ctx context.Context, reference string, actor auth.Actor) (bank.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bank.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := scanTransaction(tx.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where reference=$1 for update`, reference))
	if err != nil {
		return bank.Transaction{}, err
	}
	if !record.IsPending() {
		return bank.Transaction{}, bank.ErrNotPending
	}
	decision := s.policy.Classify(record.Amount)
	if decision.AutoApply {
		return bank.Transaction{}, bank.ErrApprovalNotRequired
	}
	if !decision.CanResolve(actor.Role) {
		return bank.Transaction{}, bank.ErrRoleNotPermitted
	}

	if _, err := tx.ExecContext(ctx, `update transactions set status=$2, approved_by=$3 where id=$1`, record.ID, string(bank.StatusRejected), actor.ID); err != nil {
		return bank.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return bank.Transaction{}, err
	}
	record.Status = bank.StatusRejected
	record.ApprovedBy = actor.ID
	return record, nil
}

func (s *Store) GetTransaction(ctx context.Context, reference string) (bank.Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where reference=$1`, reference))
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]bank.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `select ` + transactionColumns + ` from transactions order by created_at asc limit $1`
	args := []any{limit}
	if accountID != "" {
		query = `select ` + transactionColumns + ` from transactions where account_id=$2 or destination_account_id=$2 order by created_at asc limit $1`
		args = append(args, accountID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []bank.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
