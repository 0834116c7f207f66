package bank

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType categorizes an account's product line.
type AccountType string

const (
	TypeSavings    AccountType = "savings"
	TypeChecking   AccountType = "checking"
	TypeLoan       AccountType = "loan"
	TypeInvestment AccountType = "investment"
)

// AccountState is the lifecycle state of an account. Only active accounts
// participate in money movement; closed is terminal.
type AccountState string

const (
	StateActive    AccountState = "active"
	StateFrozen    AccountState = "frozen"
	StateSuspended AccountState = "suspended"
	StateClosed    AccountState = "closed"
)

// TransactionType is the kind of monetary movement a transaction records.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxTransfer   TransactionType = "transfer"
	TxPayment    TransactionType = "payment"
)

// TransactionStatus is the lifecycle state of a transaction. A transaction's
// balance effect is applied at most once: either synchronously at creation
// (auto-apply) or inside the approve step. Rejected and completed are terminal.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusApproved  TransactionStatus = "approved"
	StatusRejected  TransactionStatus = "rejected"
	StatusCompleted TransactionStatus = "completed"
)

// Account holds identity, balance and lifecycle state. Amounts carry two
// fractional digits; the ledger is the only writer of Balance.
type Account struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Number         string          `json:"account_number"`
	Type           AccountType     `json:"type"`
	Balance        decimal.Decimal `json:"balance"`
	InterestRate   decimal.Decimal `json:"interest_rate"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
	State          AccountState    `json:"state"`
	ParentID       string          `json:"parent_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsActive reports whether the account may participate in money movement.
func (a Account) IsActive() bool { return a.State == StateActive }

// IsClosed reports whether the account reached its terminal state.
func (a Account) IsClosed() bool { return a.State == StateClosed }

// EffectiveOverdraft is the negative-balance headroom granted to the account.
// Only checking accounts carry an overdraft allowance.
func (a Account) EffectiveOverdraft() decimal.Decimal {
	if a.Type == TypeChecking {
		return a.OverdraftLimit
	}
	return decimal.Zero
}

// Available is the amount the account can pay out right now.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Add(a.EffectiveOverdraft())
}

// Transaction records a requested monetary movement and its lifecycle state.
// Once completed or rejected the record is immutable.
type Transaction struct {
	ID                   string            `json:"id"`
	AccountID            string            `json:"account_id"`
	DestinationAccountID string            `json:"destination_account_id,omitempty"`
	Amount               decimal.Decimal   `json:"amount"`
	Type                 TransactionType   `json:"type"`
	Status               TransactionStatus `json:"status"`
	Description          string            `json:"description,omitempty"`
	Reference            string            `json:"reference"`
	InitiatedBy          string            `json:"initiated_by"`
	ApprovedBy           string            `json:"approved_by,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

// IsPending reports whether the transaction still awaits resolution.
func (t Transaction) IsPending() bool { return t.Status == StatusPending }

// IsCompleted reports whether the balance effect has been applied.
func (t Transaction) IsCompleted() bool { return t.Status == StatusCompleted }

// IsRejected reports whether the transaction was terminally rejected.
func (t Transaction) IsRejected() bool { return t.Status == StatusRejected }

var (
	ErrNotFound            = errors.New("not found")
	ErrAccountInactive     = errors.New("account is not active")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0 with at most 2 decimal places)")
	ErrNotPending          = errors.New("transaction is not pending")
	ErrApprovalNotRequired = errors.New("transaction does not require approval")
	ErrAccountNotClosable  = errors.New("account cannot be closed")
	ErrSameAccount         = errors.New("source and destination accounts must differ")
	ErrInvalidState        = errors.New("invalid account state")
	ErrRoleNotPermitted    = errors.New("actor role is not permitted to resolve this transaction")
	ErrNumberGeneration    = errors.New("account number generation exhausted retries")
)

// ValidateAmount re-checks the caller-supplied amount: strictly positive with
// at most two fractional digits. Upstream validation is not trusted.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}
