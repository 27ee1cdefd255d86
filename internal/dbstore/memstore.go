package dbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"merchantcore/pkg/amount"
)

// MemStore is a single-process, mutex-guarded Store used by tests and
// by `merchantd serve`, whose service.New call falls back to it when
// given no store. Every exported method is
// atomic with respect to the others; the database is treated as a
// pluggable external collaborator, so this is a reference
// implementation rather than a production persistence layer.
type MemStore struct {
	mu sync.Mutex

	contracts     map[contractKey]*ContractTerms
	byTxIDHash    map[string]json.RawMessage
	byHash        map[[32]byte]*ContractTerms
	payments      map[paymentKey]PaidCoinRecord
	refunds       map[[32]byte][]Refund
	transferProof map[proofKey]TransferProof
	coinToWTID    map[paymentKey]string
	wireFees      map[wireFeeKey][]WireFeeRecord
	sessions      map[sessionKey]string
}

type contractKey struct{ orderID, merchantPub string }
type paymentKey struct {
	h       [32]byte
	coinPub string
}
type proofKey struct{ url, wtid string }
type wireFeeKey struct{ masterPub, wireMethod string }
type sessionKey struct{ sessionID, fulfillmentURL, merchantPub string }

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		contracts:     map[contractKey]*ContractTerms{},
		byTxIDHash:    map[string]json.RawMessage{},
		byHash:        map[[32]byte]*ContractTerms{},
		payments:      map[paymentKey]PaidCoinRecord{},
		refunds:       map[[32]byte][]Refund{},
		transferProof: map[proofKey]TransferProof{},
		coinToWTID:    map[paymentKey]string{},
		wireFees:      map[wireFeeKey][]WireFeeRecord{},
		sessions:      map[sessionKey]string{},
	}
}

func (s *MemStore) FindContractTerms(ctx context.Context, orderID, merchantPub string) (ContractTerms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.contracts[contractKey{orderID, merchantPub}]
	if !ok {
		return ContractTerms{}, ErrAbsent
	}
	return *ct, nil
}

func (s *MemStore) FindPaidContractTermsFromHash(ctx context.Context, h [32]byte, merchantPub string) (ContractTerms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.byHash[h]
	if !ok || ct.MerchantPub != merchantPub || !ct.Paid {
		return ContractTerms{}, ErrAbsent
	}
	return *ct, nil
}

func (s *MemStore) InsertProposalData(ctx context.Context, hTransactionID string, order json.RawMessage, terms ContractTerms) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byTxIDHash[hTransactionID]; exists {
		return fmt.Errorf("dbstore: transaction id hash %s already has a proposal", hTransactionID)
	}
	s.byTxIDHash[hTransactionID] = order
	ctCopy := terms
	s.contracts[contractKey{terms.OrderID, terms.MerchantPub}] = &ctCopy
	s.byHash[terms.HContractTerms] = &ctCopy
	return nil
}

func (s *MemStore) MarkProposalPaid(ctx context.Context, h [32]byte, merchantPub, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.byHash[h]
	if !ok || ct.MerchantPub != merchantPub {
		return ErrAbsent
	}
	ct.Paid = true
	ct.LastSessionID = sessionID
	return nil
}

func (s *MemStore) FindPayments(ctx context.Context, h [32]byte, merchantPub string) ([]PaidCoinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PaidCoinRecord
	for k, rec := range s.payments {
		if k.h == h {
			out = append(out, rec)
		}
	}
	_ = merchantPub
	return out, nil
}

func (s *MemStore) FindPaymentByHashAndCoin(ctx context.Context, h [32]byte, merchantPub, coinPub string) (PaidCoinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[paymentKey{h, coinPub}]
	if !ok {
		return PaidCoinRecord{}, ErrAbsent
	}
	return rec, nil
}

func (s *MemStore) StoreDeposit(ctx context.Context, rec PaidCoinRecord, merchantPub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := paymentKey{rec.HContractTerms, rec.CoinPub}
	if _, exists := s.payments[key]; exists {
		return fmt.Errorf("dbstore: duplicate deposit for coin %s on contract %x", rec.CoinPub, rec.HContractTerms)
	}
	s.payments[key] = rec
	return nil
}

func (s *MemStore) GetRefundsFromContractTermsHash(ctx context.Context, merchantPub string, h [32]byte) ([]Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Refund, len(s.refunds[h]))
	copy(out, s.refunds[h])
	return out, nil
}

func (s *MemStore) IncreaseRefundForContract(ctx context.Context, h [32]byte, merchantPub string, amt amount.Amount, justification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.refunds[h]
	rtx := uint64(len(existing) + 1)
	s.refunds[h] = append(existing, Refund{
		HContractTerms: h,
		RTransactionID: rtx,
		RefundAmount:   amt,
		Justification:  justification,
	})
	return nil
}

func (s *MemStore) LookupWireFee(ctx context.Context, masterPub, wireMethod string, executionTime int64) (WireFeeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.wireFees[wireFeeKey{masterPub, wireMethod}] {
		if executionTime >= rec.ValidFrom && executionTime < rec.ValidUntil {
			return rec, nil
		}
	}
	return WireFeeRecord{}, ErrAbsent
}

// PutWireFee is test/admin-tooling support for seeding LookupWireFee.
func (s *MemStore) PutWireFee(masterPub, wireMethod string, rec WireFeeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wireFeeKey{masterPub, wireMethod}
	s.wireFees[key] = append(s.wireFees[key], rec)
}

func (s *MemStore) StoreTransferToProof(ctx context.Context, proof TransferProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferProof[proofKey{proof.ExchangeURL, proof.WTID}] = proof
	return nil
}

func (s *MemStore) StoreCoinToTransfer(ctx context.Context, h [32]byte, coinPub, wtid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coinToWTID[paymentKey{h, coinPub}] = wtid
	return nil
}

func (s *MemStore) FindProofByWTID(ctx context.Context, exchangeURL, wtid string) (TransferProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.transferProof[proofKey{exchangeURL, wtid}]
	if !ok {
		return TransferProof{}, ErrAbsent
	}
	return p, nil
}

func (s *MemStore) FindTransferWTIDForCoin(ctx context.Context, h [32]byte, coinPub string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wtid, ok := s.coinToWTID[paymentKey{h, coinPub}]
	if !ok {
		return "", ErrAbsent
	}
	return wtid, nil
}

func (s *MemStore) FindSessionInfo(ctx context.Context, sessionID, fulfillmentURL, merchantPub string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.sessions[sessionKey{sessionID, fulfillmentURL, merchantPub}]
	if !ok {
		return "", ErrAbsent
	}
	return orderID, nil
}

func (s *MemStore) BindSession(ctx context.Context, sessionID, fulfillmentURL, merchantPub, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey{sessionID, fulfillmentURL, merchantPub}] = orderID
	return nil
}

var _ Store = (*MemStore)(nil)
