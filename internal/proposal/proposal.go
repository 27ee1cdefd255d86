// Package proposal implements the proposal/contract-terms signer
// it augments a merchant-supplied order with exchange
// list, wire-account hash and merchant public key, then signs the
// resulting canonical document.
package proposal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"merchantcore/internal/apierr"
	"merchantcore/internal/auditor"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/instance"
	"merchantcore/pkg/canonjson"
	"merchantcore/pkg/signing"
)

// TrustedExchangeLister supplies the liaison's (url, master_pub) list;
// satisfied by *exchange.Liaison.
type TrustedExchangeLister interface {
	TrustedExchanges() []map[string]string
}

// Signer is the proposal signer.
type Signer struct {
	Instances *instance.Registry
	Auditors  *auditor.TrustSet
	Exchanges TrustedExchangeLister
	Store     dbstore.Store
}

// Result is the response shape of POST /proposal.
type Result struct {
	Data       json.RawMessage `json:"data"`
	MerchantSig string        `json:"merchant_sig"`
	Hash        string        `json:"hash"`
}

// Sign runs the full proposal-augmentation algorithm over order, a
// caller-supplied JSON object with at minimum amount, max_fee,
// transaction_id, products, timestamp, refund_deadline, pay_deadline,
// and optionally a merchant sub-object naming the instance.
func (s *Signer) Sign(ctx context.Context, order map[string]any) (Result, error) {
	if err := validateProducts(order); err != nil {
		return Result{}, err
	}

	txID, ok := order["transaction_id"].(string)
	if !ok || txID == "" {
		return Result{}, apierr.ParameterMissing("order.transaction_id is required")
	}

	instID := ""
	if m, ok := order["merchant"].(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			instID = id
		}
	}
	inst, ok := s.Instances.LookupByID(instID)
	if !ok {
		return Result{}, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", instID))
	}
	wm, ok := inst.PreferredWireMethod()
	if !ok {
		return Result{}, apierr.InternalLogicError(fmt.Sprintf("instance %s has no active wire method", inst.ID))
	}

	augmented := make(map[string]any, len(order)+4)
	for k, v := range order {
		augmented[k] = v
	}
	augmented["exchanges"] = s.Exchanges.TrustedExchanges()
	augmented["auditors"] = json.RawMessage(s.Auditors.JSON())
	augmented["H_wire"] = base64.StdEncoding.EncodeToString(wm.Hash[:])
	augmented["merchant_pub"] = base64.StdEncoding.EncodeToString(inst.Keys.Public)

	hProposal, err := canonjson.Hash(augmented)
	if err != nil {
		return Result{}, apierr.InternalLogicError(fmt.Sprintf("hashing proposal: %v", err))
	}

	sig := signing.Sign(inst.Keys, signing.PurposeMerchantContract, hProposal[:])

	orderJSON, err := json.Marshal(augmented)
	if err != nil {
		return Result{}, apierr.InternalLogicError(fmt.Sprintf("marshaling augmented order: %v", err))
	}

	hTxID := blake2b.Sum256([]byte(txID))
	orderID, _ := order["order_id"].(string)
	if orderID == "" {
		orderID = txID
	}
	terms := dbstore.ContractTerms{
		OrderID:        orderID,
		MerchantPub:    string(inst.Keys.Public),
		JSON:           orderJSON,
		HContractTerms: hProposal,
	}
	insertErr := dbstore.WithSoftRetry(func() error {
		return s.Store.InsertProposalData(ctx, base64.StdEncoding.EncodeToString(hTxID[:]), orderJSON, terms)
	})
	if insertErr != nil {
		return Result{}, apierr.ProposalStoreDbError(insertErr.Error())
	}

	return Result{
		Data:        orderJSON,
		MerchantSig: base64.StdEncoding.EncodeToString(sig),
		Hash:        base64.StdEncoding.EncodeToString(hProposal[:]),
	}, nil
}

// Lookup implements GET /proposal?transaction_id= by looking up the
// stored contract terms under orderID, which GET /proposal fills with
// the transaction id. The transaction-id hash that Sign persists is not
// consulted, so a proposal whose order_id differs from its
// transaction_id is not found.
func (s *Signer) Lookup(ctx context.Context, orderID, merchantPub string) (json.RawMessage, error) {
	var result json.RawMessage
	err := dbstore.WithSoftRetry(func() error {
		ct, err := s.Store.FindContractTerms(ctx, orderID, merchantPub)
		if err != nil {
			return err
		}
		result = ct.JSON
		return nil
	})
	if err != nil {
		if err == dbstore.ErrAbsent {
			return nil, apierr.ProposalLookupNotFound(fmt.Sprintf("no proposal for order %q", orderID))
		}
		return nil, apierr.ProposalLookupDbError(err.Error())
	}
	return result, nil
}

func validateProducts(order map[string]any) error {
	raw, ok := order["products"]
	if !ok {
		return apierr.ParameterMissing("order.products is required")
	}
	products, ok := raw.([]any)
	if !ok {
		return apierr.ParameterMalformed("order.products must be an array")
	}
	for i, p := range products {
		obj, ok := p.(map[string]any)
		if !ok {
			return apierr.ParameterMalformed(fmt.Sprintf("order.products[%d] must be an object", i))
		}
		desc, ok := obj["description"].(string)
		if !ok || desc == "" {
			return apierr.ParameterMalformed(fmt.Sprintf("order.products[%d].description must be a non-empty string", i))
		}
	}
	return nil
}
