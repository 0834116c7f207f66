package bank

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meridianbank.org/internal/auth"
	"meridianbank.org/internal/ids"
)

const (
	numberPrefix   = "ACC"
	numberAttempts = 10
)

// AccountSpec describes a new account.
type AccountSpec struct {
	OwnerID        string
	Type           AccountType
	InitialDeposit decimal.Decimal
	InterestRate   decimal.Decimal
	OverdraftLimit decimal.Decimal
	ParentID       string
}

// Service defines the transaction processing and approval core.
//
// Deposit, Withdraw and Transfer either settle synchronously (auto-apply,
// the returned transaction is completed) or persist a pending record with
// no balance effect. Approve and Reject drive the remaining transition for
// pending transactions; both fail with ErrNotPending once a transaction is
// resolved, guaranteeing the balance mutation applies at most once.
type Service interface {
	CreateAccount(ctx context.Context, spec AccountSpec) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	SetAccountState(ctx context.Context, id string, state AccountState) (Account, error)
	CloseAccount(ctx context.Context, id string) (Account, error)

	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, actor auth.Actor, description string) (Transaction, error)
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, actor auth.Actor, description string) (Transaction, error)
	Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, actor auth.Actor, description string) (Transaction, error)

	Approve(ctx context.Context, reference string, actor auth.Actor) (Transaction, error)
	Reject(ctx context.Context, reference string, actor auth.Actor) (Transaction, error)

	GetTransaction(ctx context.Context, reference string) (Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
}

// InMemory implements Service with in-process concurrency safety. A single
// mutex serializes every balance-affecting unit, so read-check-write on a
// balance can never interleave with another operation on the same account.
type InMemory struct {
	mu       sync.Mutex
	policy   Policy
	accounts map[string]*Account
	byNumber map[string]string
	txs      map[string]*Transaction
	order    []string
	rnd      *mathrand.Rand
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates a fresh core with the given approval policy.
func NewInMemory(policy Policy) *InMemory {
	return &InMemory{
		policy:   policy,
		accounts: make(map[string]*Account),
		byNumber: make(map[string]string),
		txs:      make(map[string]*Transaction),
		rnd:      mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the approval policy the core runs with.
func (s *InMemory) Policy() Policy { return s.policy }

func (s *InMemory) CreateAccount(ctx context.Context, spec AccountSpec) (Account, error) {
	switch spec.Type {
	case TypeSavings, TypeChecking, TypeLoan, TypeInvestment:
	default:
		return Account{}, fmt.Errorf("%w: unsupported account type %q", ErrInvalidState, spec.Type)
	}
	if spec.InitialDeposit.IsNegative() || !spec.InitialDeposit.Equal(spec.InitialDeposit.Round(2)) {
		return Account{}, ErrInvalidAmount
	}
	if spec.OverdraftLimit.IsNegative() {
		return Account{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.ParentID != "" {
		if _, ok := s.accounts[spec.ParentID]; !ok {
			return Account{}, fmt.Errorf("parent account: %w", ErrNotFound)
		}
	}

	number, err := s.generateNumberLocked()
	if err != nil {
		return Account{}, err
	}

	acc := &Account{
		ID:             uuid.NewString(),
		OwnerID:        spec.OwnerID,
		Number:         number,
		Type:           spec.Type,
		Balance:        spec.InitialDeposit,
		InterestRate:   spec.InterestRate,
		OverdraftLimit: spec.OverdraftLimit,
		State:          StateActive,
		ParentID:       spec.ParentID,
		CreatedAt:      time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc
	s.byNumber[number] = acc.ID

	if spec.InitialDeposit.IsPositive() {
		tx := &Transaction{
			ID:          uuid.NewString(),
			AccountID:   acc.ID,
			Amount:      spec.InitialDeposit,
			Type:        TxDeposit,
			Status:      StatusCompleted,
			Description: "Initial deposit",
			Reference:   ids.New(),
			InitiatedBy: spec.OwnerID,
			ApprovedBy:  spec.OwnerID,
			CreatedAt:   time.Now().UTC(),
		}
		s.txs[tx.Reference] = tx
		s.order = append(s.order, tx.Reference)
	}

	return *acc, nil
}

// generateNumberLocked draws candidate account numbers until one is free.
// The attempt count is bounded so a dense number space degrades into an
// error instead of an unbounded loop.
func (s *InMemory) generateNumberLocked() (string, error) {
	for i := 0; i < numberAttempts; i++ {
		number := fmt.Sprintf("%s%08d", numberPrefix, s.rnd.Intn(99999999)+1)
		if _, taken := s.byNumber[number]; !taken {
			return number, nil
		}
	}
	return "", ErrNumberGeneration
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

// SetAccountState places or lifts an administrative hold. Closed accounts
// accept no further state changes.
func (s *InMemory) SetAccountState(ctx context.Context, id string, state AccountState) (Account, error) {
	switch state {
	case StateActive, StateFrozen, StateSuspended:
	default:
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.IsClosed() {
		return Account{}, ErrAccountInactive
	}
	acc.State = state
	return *acc, nil
}

// CloseAccount transitions an account to its terminal state. Legal only when
// the balance is exactly zero and the account is not already closed.
func (s *InMemory) CloseAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.IsClosed() || !acc.Balance.IsZero() {
		return Account{}, ErrAccountNotClosable
	}
	acc.State = StateClosed
	return *acc, nil
}

func (s *InMemory) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, actor auth.Actor, description string) (Transaction, error) {
	if err := ValidateAmount(amount); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !acc.IsActive() {
		return Transaction{}, ErrAccountInactive
	}

	if description == "" {
		description = "Deposit"
	}
	tx := s.newTransactionLocked(acc.ID, "", amount, TxDeposit, description, actor)
	if s.policy.Classify(amount).AutoApply {
		acc.Balance = acc.Balance.Add(amount)
		tx.Status = StatusCompleted
		tx.ApprovedBy = actor.ID
	}
	return *tx, nil
}

func (s *InMemory) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, actor auth.Actor, description string) (Transaction, error) {
	if err := ValidateAmount(amount); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !acc.IsActive() {
		return Transaction{}, ErrAccountInactive
	}
	// Sufficiency is checked on the deferred path too, so a withdrawal that
	// cannot settle is refused at creation time rather than at approval.
	if acc.Available().LessThan(amount) {
		return Transaction{}, ErrInsufficientFunds
	}

	if description == "" {
		description = "Withdrawal"
	}
	tx := s.newTransactionLocked(acc.ID, "", amount, TxWithdrawal, description, actor)
	if s.policy.Classify(amount).AutoApply {
		acc.Balance = acc.Balance.Sub(amount)
		tx.Status = StatusCompleted
		tx.ApprovedBy = actor.ID
	}
	return *tx, nil
}

func (s *InMemory) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, actor auth.Actor, description string) (Transaction, error) {
	if err := ValidateAmount(amount); err != nil {
		return Transaction{}, err
	}
	if fromID == toID {
		return Transaction{}, ErrSameAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accounts[fromID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	to, ok := s.accounts[toID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !from.IsActive() || !to.IsActive() {
		return Transaction{}, ErrAccountInactive
	}
	if from.Available().LessThan(amount) {
		return Transaction{}, ErrInsufficientFunds
	}

	if description == "" {
		description = "Transfer"
	}
	tx := s.newTransactionLocked(from.ID, to.ID, amount, TxTransfer, description, actor)
	if s.policy.Classify(amount).AutoApply {
		// Debit and credit inside the same critical section: no intermediate
		// state is observable.
		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)
		tx.Status = StatusCompleted
		tx.ApprovedBy = actor.ID
	}
	return *tx, nil
}

func (s *InMemory) newTransactionLocked(accountID, destinationID string, amount decimal.Decimal, txType TransactionType, description string, actor auth.Actor) *Transaction {
	tx := &Transaction{
		ID:                   uuid.NewString(),
		AccountID:            accountID,
		DestinationAccountID: destinationID,
		Amount:               amount,
		Type:                 txType,
		Status:               StatusPending,
		Description:          description,
		Reference:            ids.New(),
		InitiatedBy:          actor.ID,
		CreatedAt:            time.Now().UTC(),
	}
	s.txs[tx.Reference] = tx
	s.order = append(s.order, tx.Reference)
	return tx
}

// Approve resolves a pending transaction and applies its balance effect.
// The status check and the mutation happen under the same lock, so a racing
// second resolver observes ErrNotPending and the mutation applies exactly
// once over the transaction's lifetime.
func (s *InMemory) Approve(ctx context.Context, reference string, actor auth.Actor) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[reference]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !tx.IsPending() {
		return Transaction{}, ErrNotPending
	}
	decision := s.policy.Classify(tx.Amount)
	if decision.AutoApply {
		return Transaction{}, ErrApprovalNotRequired
	}
	if !decision.CanResolve(actor.Role) {
		return Transaction{}, ErrRoleNotPermitted
	}

	if err := s.applyLocked(tx); err != nil {
		return Transaction{}, err
	}
	tx.Status = StatusApproved
	tx.ApprovedBy = actor.ID
	tx.Status = StatusCompleted
	return *tx, nil
}

// Reject terminally declines a pending transaction. No balance mutation ever
// occurs on this path.
func (s *InMemory) Reject(ctx context.Context, reference string, actor auth.Actor) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[reference]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !tx.IsPending() {
		return Transaction{}, ErrNotPending
	}
	decision := s.policy.Classify(tx.Amount)
	if decision.AutoApply {
		return Transaction{}, ErrApprovalNotRequired
	}
	if !decision.CanResolve(actor.Role) {
		return Transaction{}, ErrRoleNotPermitted
	}

	tx.Status = StatusRejected
	tx.ApprovedBy = actor.ID
	return *tx, nil
}

// applyLocked performs the single balance mutation for a resolving
// transaction. Guards and sufficiency are re-evaluated here: the account may
// have changed between creation and approval, and no hold was placed.
func (s *InMemory) applyLocked(tx *Transaction) error {
	acc, ok := s.accounts[tx.AccountID]
	if !ok {
		return ErrNotFound
	}
	if !acc.IsActive() {
		return ErrAccountInactive
	}

	switch tx.Type {
	case TxDeposit:
		acc.Balance = acc.Balance.Add(tx.Amount)
	case TxWithdrawal, TxPayment:
		if acc.Available().LessThan(tx.Amount) {
			return ErrInsufficientFunds
		}
		acc.Balance = acc.Balance.Sub(tx.Amount)
	case TxTransfer:
		dest, ok := s.accounts[tx.DestinationAccountID]
		if !ok {
			return ErrNotFound
		}
		if !dest.IsActive() {
			return ErrAccountInactive
		}
		if acc.Available().LessThan(tx.Amount) {
			return ErrInsufficientFunds
		}
		acc.Balance = acc.Balance.Sub(tx.Amount)
		dest.Balance = dest.Balance.Add(tx.Amount)
	default:
		return fmt.Errorf("%w: unsupported transaction type %q", ErrInvalidState, tx.Type)
	}
	return nil
}

func (s *InMemory) GetTransaction(ctx context.Context, reference string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[reference]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *tx, nil
}

// ListTransactions returns transactions in creation order. An empty accountID
// lists everything; otherwise only transactions touching the account (as
// source or destination) are returned.
func (s *InMemory) ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Transaction
	for _, ref := range s.order {
		tx := s.txs[ref]
		if accountID != "" && tx.AccountID != accountID && tx.DestinationAccountID != accountID {
			continue
		}
		res = append(res, *tx)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}
