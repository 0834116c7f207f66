package bank

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"meridianbank.org/internal/auth"
)

var (
	teller  = auth.Actor{ID: "teller-1", Role: auth.RoleTeller}
	manager = auth.Actor{ID: "manager-1", Role: auth.RoleManager}
	admin   = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

func newTestCore(t *testing.T) *InMemory {
	t.Helper()
	return NewInMemory(DefaultPolicy())
}

func mustAccount(t *testing.T, s *InMemory, spec AccountSpec) Account {
	t.Helper()
	acc, err := s.CreateAccount(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acc
}

func balanceOf(t *testing.T, s *InMemory, id string) decimal.Decimal {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acc.Balance
}

func TestCreateAccountNumberFormat(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings})

	if !strings.HasPrefix(acc.Number, "ACC") || len(acc.Number) != 11 {
		t.Fatalf("unexpected account number format: %q", acc.Number)
	}
	if acc.State != StateActive {
		t.Fatalf("new account should be active, got %s", acc.State)
	}
}

func TestCreateAccountInitialDepositRecordsTransaction(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeChecking, InitialDeposit: dec("250.00")})

	if !balanceOf(t, s, acc.ID).Equal(dec("250.00")) {
		t.Fatalf("unexpected balance: %s", balanceOf(t, s, acc.ID))
	}
	txs, err := s.ListTransactions(context.Background(), acc.ID, 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != TxDeposit || !txs[0].IsCompleted() {
		t.Fatalf("expected one completed deposit, got %+v", txs)
	}
}

func TestDepositAutoApply(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings})

	tx, err := s.Deposit(context.Background(), acc.ID, dec("500"), teller, "")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if !tx.IsCompleted() {
		t.Fatalf("500 is at the threshold and should auto-apply, got %s", tx.Status)
	}
	if tx.ApprovedBy != teller.ID {
		t.Fatalf("auto-apply should record the initiator as resolver, got %q", tx.ApprovedBy)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("500")) {
		t.Fatalf("unexpected balance: %s", balanceOf(t, s, acc.ID))
	}
}

func TestDepositAboveThresholdStaysPending(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings})

	tx, err := s.Deposit(context.Background(), acc.ID, dec("500.01"), teller, "")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if !tx.IsPending() {
		t.Fatalf("500.01 should await approval, got %s", tx.Status)
	}
	if tx.ApprovedBy != "" {
		t.Fatalf("pending transaction should have no resolver yet")
	}
	if !balanceOf(t, s, acc.ID).IsZero() {
		t.Fatal("pending deposit must not touch the balance")
	}
}

func TestWithdrawOverdraftBoundary(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{
		OwnerID:        "owner-1",
		Type:           TypeChecking,
		InitialDeposit: dec("100"),
		OverdraftLimit: dec("50"),
	})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("150"), teller, "")
	if err != nil {
		t.Fatalf("withdrawal of 150 should be covered by overdraft: %v", err)
	}
	if !tx.IsCompleted() {
		t.Fatalf("expected auto-apply, got %s", tx.Status)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("-50")) {
		t.Fatalf("unexpected balance: %s", balanceOf(t, s, acc.ID))
	}

	if _, err := s.Withdraw(context.Background(), acc.ID, dec("0.01"), teller, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestWithdrawOverdraftIgnoredForSavings(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{
		OwnerID:        "owner-1",
		Type:           TypeSavings,
		InitialDeposit: dec("100"),
		OverdraftLimit: dec("50"), // meaningless outside checking
	})

	if _, err := s.Withdraw(context.Background(), acc.ID, dec("100.01"), teller, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestDeferredWithdrawalSufficiencyCheckedAtCreation(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("600")})

	if _, err := s.Withdraw(context.Background(), acc.ID, dec("700"), teller, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("deferred withdrawal must fail sufficiency at creation, got %v", err)
	}
}

func TestApproveAppliesExactlyOnce(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("700"), teller, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !tx.IsPending() {
		t.Fatalf("expected pending, got %s", tx.Status)
	}

	resolved, err := s.Approve(context.Background(), tx.Reference, manager)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !resolved.IsCompleted() || resolved.ApprovedBy != manager.ID {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("300")) {
		t.Fatalf("unexpected balance: %s", balanceOf(t, s, acc.ID))
	}

	// Second resolve attempt must observe NotPending and leave the balance alone.
	if _, err := s.Approve(context.Background(), tx.Reference, manager); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := s.Reject(context.Background(), tx.Reference, manager); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("300")) {
		t.Fatal("balance mutated more than once")
	}
}

func TestApproveRaceAppliesOnce(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("600"), teller, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Approve(context.Background(), tx.Reference, manager)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrNotPending) {
			t.Fatalf("loser should observe ErrNotPending, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("400")) {
		t.Fatalf("mutation applied %s times too many", balanceOf(t, s, acc.ID))
	}
}

func TestApproveRoleTiers(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("5000")})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("1000.01"), teller, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	if _, err := s.Approve(context.Background(), tx.Reference, manager); !errors.Is(err, ErrRoleNotPermitted) {
		t.Fatalf("manager must not approve above the admin threshold, got %v", err)
	}
	if _, err := s.Approve(context.Background(), tx.Reference, teller); !errors.Is(err, ErrRoleNotPermitted) {
		t.Fatalf("teller must not approve anything, got %v", err)
	}
	if _, err := s.Approve(context.Background(), tx.Reference, admin); err != nil {
		t.Fatalf("admin approval failed: %v", err)
	}
}

func TestApproveAutoAppliedFails(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("100"), teller, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	// Completed at creation, so any resolve attempt is a state error.
	if _, err := s.Approve(context.Background(), tx.Reference, admin); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestRejectionNeutrality(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("700"), teller, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	rejected, err := s.Reject(context.Background(), tx.Reference, manager)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if !rejected.IsRejected() || rejected.ApprovedBy != manager.ID {
		t.Fatalf("unexpected rejection record: %+v", rejected)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("1000")) {
		t.Fatal("rejection must not change the balance")
	}
	if _, err := s.Approve(context.Background(), tx.Reference, admin); !errors.Is(err, ErrNotPending) {
		t.Fatalf("rejected is terminal, got %v", err)
	}
}

func TestTransferAutoApply(t *testing.T) {
	s := newTestCore(t)
	a := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})
	b := mustAccount(t, s, AccountSpec{OwnerID: "owner-2", Type: TypeSavings, InitialDeposit: dec("500")})

	tx, err := s.Transfer(context.Background(), a.ID, b.ID, dec("300"), teller, "")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !tx.IsCompleted() {
		t.Fatalf("300 should auto-apply, got %s", tx.Status)
	}
	if !balanceOf(t, s, a.ID).Equal(dec("700")) || !balanceOf(t, s, b.ID).Equal(dec("800")) {
		t.Fatalf("unexpected balances: a=%s b=%s", balanceOf(t, s, a.ID), balanceOf(t, s, b.ID))
	}
}

func TestTransferApprovedSettlesBothSides(t *testing.T) {
	s := newTestCore(t)
	a := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})
	b := mustAccount(t, s, AccountSpec{OwnerID: "owner-2", Type: TypeSavings, InitialDeposit: dec("500")})

	tx, err := s.Transfer(context.Background(), a.ID, b.ID, dec("600"), teller, "")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !tx.IsPending() {
		t.Fatalf("600 should await approval, got %s", tx.Status)
	}
	if _, err := s.Approve(context.Background(), tx.Reference, manager); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !balanceOf(t, s, a.ID).Equal(dec("400")) || !balanceOf(t, s, b.ID).Equal(dec("1100")) {
		t.Fatalf("unexpected balances: a=%s b=%s", balanceOf(t, s, a.ID), balanceOf(t, s, b.ID))
	}
}

func TestTransferToSelfRefused(t *testing.T) {
	s := newTestCore(t)
	a := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("100")})
	if _, err := s.Transfer(context.Background(), a.ID, a.ID, dec("10"), teller, ""); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	s := newTestCore(t)
	a := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("10000")})
	b := mustAccount(t, s, AccountSpec{OwnerID: "owner-2", Type: TypeSavings})

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(context.Background(), a.ID, b.ID, dec("100"), teller, "")
		}()
	}
	wg.Wait()

	total := balanceOf(t, s, a.ID).Add(balanceOf(t, s, b.ID))
	if !total.Equal(dec("10000")) {
		t.Fatalf("conservation violated: a+b=%s", total)
	}
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("500")})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Withdraw(context.Background(), acc.ID, dec("100"), teller, "")
		}()
	}
	wg.Wait()

	if balanceOf(t, s, acc.ID).IsNegative() {
		t.Fatalf("lost update: balance %s", balanceOf(t, s, acc.ID))
	}
}

func TestInactiveAccountRefusesOperations(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("100")})
	other := mustAccount(t, s, AccountSpec{OwnerID: "owner-2", Type: TypeSavings})

	if _, err := s.SetAccountState(context.Background(), acc.ID, StateFrozen); err != nil {
		t.Fatalf("SetAccountState: %v", err)
	}

	if _, err := s.Deposit(context.Background(), acc.ID, dec("10"), teller, ""); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive on deposit, got %v", err)
	}
	if _, err := s.Withdraw(context.Background(), acc.ID, dec("10"), teller, ""); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive on withdrawal, got %v", err)
	}
	if _, err := s.Transfer(context.Background(), other.ID, acc.ID, dec("10"), teller, ""); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("transfer-in to a frozen account must fail, got %v", err)
	}

	// Holds are reversible.
	if _, err := s.SetAccountState(context.Background(), acc.ID, StateActive); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := s.Deposit(context.Background(), acc.ID, dec("10"), teller, ""); err != nil {
		t.Fatalf("deposit after unfreeze: %v", err)
	}
}

func TestApproveReEvaluatesGuards(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("1000")})

	tx, err := s.Withdraw(context.Background(), acc.ID, dec("700"), teller, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	// Drain the account while the withdrawal is pending; no hold was placed.
	if _, err := s.Withdraw(context.Background(), acc.ID, dec("500"), teller, ""); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := s.Approve(context.Background(), tx.Reference, manager); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("approval must re-check sufficiency, got %v", err)
	}
	// The failed approval leaves the transaction pending and the balance intact.
	got, err := s.GetTransaction(context.Background(), tx.Reference)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !got.IsPending() {
		t.Fatalf("failed approval must not consume the transaction, got %s", got.Status)
	}
	if !balanceOf(t, s, acc.ID).Equal(dec("500")) {
		t.Fatalf("unexpected balance: %s", balanceOf(t, s, acc.ID))
	}
}

func TestCloseAccountGuards(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("0.01")})

	if _, err := s.CloseAccount(context.Background(), acc.ID); !errors.Is(err, ErrAccountNotClosable) {
		t.Fatalf("expected ErrAccountNotClosable with 0.01 balance, got %v", err)
	}
	if _, err := s.Withdraw(context.Background(), acc.ID, dec("0.01"), teller, ""); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	closed, err := s.CloseAccount(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("CloseAccount: %v", err)
	}
	if closed.State != StateClosed {
		t.Fatalf("expected closed, got %s", closed.State)
	}

	// Closed is terminal and inert.
	if _, err := s.CloseAccount(context.Background(), acc.ID); !errors.Is(err, ErrAccountNotClosable) {
		t.Fatalf("double close should fail, got %v", err)
	}
	if _, err := s.Deposit(context.Background(), acc.ID, dec("1"), teller, ""); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	if _, err := s.SetAccountState(context.Background(), acc.ID, StateActive); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("closed accounts accept no state changes, got %v", err)
	}
}

func TestInvalidAmountRefused(t *testing.T) {
	s := newTestCore(t)
	acc := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("100")})

	for _, raw := range []string{"0", "-5", "1.001"} {
		if _, err := s.Deposit(context.Background(), acc.ID, dec(raw), teller, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Deposit(%s): expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestPendingContributesNothingToNetChange(t *testing.T) {
	s := newTestCore(t)
	a := mustAccount(t, s, AccountSpec{OwnerID: "owner-1", Type: TypeSavings, InitialDeposit: dec("2000")})
	b := mustAccount(t, s, AccountSpec{OwnerID: "owner-2", Type: TypeSavings, InitialDeposit: dec("2000")})

	ctx := context.Background()
	if _, err := s.Deposit(ctx, a.ID, dec("900"), teller, ""); err != nil { // pending
		t.Fatal(err)
	}
	w, err := s.Withdraw(ctx, b.ID, dec("800"), teller, "") // pending
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reject(ctx, w.Reference, manager); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transfer(ctx, a.ID, b.ID, dec("100"), teller, ""); err != nil { // completed
		t.Fatal(err)
	}

	total := balanceOf(t, s, a.ID).Add(balanceOf(t, s, b.ID))
	if !total.Equal(dec("4000")) {
		t.Fatalf("only completed transactions may move money: total=%s", total)
	}
}
