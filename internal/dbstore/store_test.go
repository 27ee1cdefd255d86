package dbstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"merchantcore/pkg/amount"
)

func TestWithSoftRetryRetriesOnlySoftErrors(t *testing.T) {
	attempts := 0
	err := WithSoftRetry(func() error {
		attempts++
		if attempts < 3 {
			return &SoftError{Cause: errors.New("serialization conflict")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithSoftRetryGivesUpAfterBound(t *testing.T) {
	attempts := 0
	err := WithSoftRetry(func() error {
		attempts++
		return &SoftError{Cause: errors.New("always conflicts")}
	})
	if err == nil {
		t.Fatal("expected failure after exceeding retry bound")
	}
	if attempts != MaxSoftRetries+1 {
		t.Errorf("expected %d attempts, got %d", MaxSoftRetries+1, attempts)
	}
}

func TestWithSoftRetryPropagatesHardErrorImmediately(t *testing.T) {
	attempts := 0
	hard := errors.New("hard failure")
	err := WithSoftRetry(func() error {
		attempts++
		return hard
	})
	if !errors.Is(err, hard) {
		t.Fatalf("expected hard error to propagate unwrapped, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("hard error must not be retried, got %d attempts", attempts)
	}
}

func TestMemStoreRejectsDuplicateDeposit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	amt, _ := amount.Parse("CUR:1.00")
	rec := PaidCoinRecord{HContractTerms: [32]byte{1}, CoinPub: "coin1", AmountWithFee: amt}
	if err := s.StoreDeposit(ctx, rec, "merchant1"); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := s.StoreDeposit(ctx, rec, "merchant1"); err == nil {
		t.Fatal("expected duplicate (h_contract_terms, coin_pub) deposit to be rejected")
	}
}

func TestMemStoreMarkPaidRequiresExistingContract(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.MarkProposalPaid(ctx, [32]byte{9}, "merchant1", "sess"); !errors.Is(err, ErrAbsent) {
		t.Fatalf("expected ErrAbsent, got %v", err)
	}
}

func TestMemStoreInsertAndFindContract(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	terms := ContractTerms{OrderID: "o1", MerchantPub: "m1", HContractTerms: [32]byte{2}}
	if err := s.InsertProposalData(ctx, "txhash1", json.RawMessage(`{}`), terms); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindContractTerms(ctx, "o1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.OrderID != "o1" {
		t.Errorf("got order id %q", got.OrderID)
	}
	if err := s.MarkProposalPaid(ctx, terms.HContractTerms, "m1", "sess1"); err != nil {
		t.Fatal(err)
	}
	paid, err := s.FindPaidContractTermsFromHash(ctx, terms.HContractTerms, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !paid.Paid {
		t.Error("expected contract to be marked paid")
	}
}
