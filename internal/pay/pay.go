// Package pay implements the /pay state machine: the
// single most complex subsystem. It validates a batch of coins against
// a contract, groups them by issuing exchange, drives deposits
// concurrently within a group and sequentially across groups, checks
// payment sufficiency, and commits the outcome.
package pay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"merchantcore/internal/apierr"
	"merchantcore/internal/auditor"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/exchange"
	"merchantcore/internal/instance"
	"merchantcore/pkg/amount"
	"merchantcore/pkg/canonjson"
	"merchantcore/pkg/signing"
)

// Coin is one wallet-presented coin.
type Coin struct {
	DenomPub     string
	Contribution amount.Amount // fee-inclusive
	ExchangeURL  string
	CoinPub      string
	UBSig        string
	CoinSig      string
}

// Request is the body of POST /pay.
type Request struct {
	Mode        string // "pay" | "abort-refund"
	Coins       []Coin
	OrderID     string
	MerchantPub []byte // 32 bytes
	SessionID   string
}

// DepositOutcome is the exchange's answer to one deposit request.
type DepositOutcome struct {
	HTTPStatus      int
	ExchangeCode    string
	Body            json.RawMessage
	AmountWithFee   amount.Amount
	DepositFee      amount.Amount
	RefundFee       amount.Amount
	ExchangeSignKey string
	Proof           json.RawMessage
}

// Depositor issues one coin's deposit permission to its issuing
// exchange. A non-200 outcome is reported via HTTPStatus/ExchangeCode/
// Body rather than err; err is reserved for transport failure.
type Depositor interface {
	Deposit(ctx context.Context, exchangeURL string, coin Coin, wireMethod string) (DepositOutcome, error)
}

// ExchangeResolver resolves trusted exchanges and their wire fees;
// satisfied by *exchange.Liaison.
type ExchangeResolver interface {
	FindExchange(ctx context.Context, url string, wireMethod *string) (exchange.Handle, *amount.Amount, error)
}

// contractView is the subset of ContractTerms JSON the orchestrator needs.
type contractView struct {
	Amount                amount.Amount `json:"amount"`
	MaxFee                amount.Amount `json:"max_fee"`
	MaxWireFee            amount.Amount `json:"max_wire_fee"`
	WireFeeAmortization   uint64        `json:"wire_fee_amortization"`
	WireMethod            string        `json:"wireformat"`
	FulfillmentURL        string        `json:"fulfillment_url"`
}

// Orchestrator runs the /pay and /pay(abort-refund) state machines.
type Orchestrator struct {
	Instances *instance.Registry
	Auditors  *auditor.TrustSet
	Exchanges ExchangeResolver
	Depositor Depositor
	Store     dbstore.Store
	Log       *logrus.Logger
	Timeout   time.Duration // default 30s
}

func (o *Orchestrator) logger() *logrus.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

// RefundPermission is one signed authorization for the wallet to be
// refunded a stated amount against a stated coin.
type RefundPermission struct {
	CoinPub       string        `json:"coin_pub"`
	RefundAmount  amount.Amount `json:"refund_amount"`
	RefundFee     amount.Amount `json:"refund_fee"`
	Sig           string        `json:"merchant_sig"`
}

// Response is the success body of POST /pay.
type Response struct {
	ContractTerms     json.RawMessage     `json:"contract_terms"`
	Sig               string              `json:"sig"`
	HContractTerms    string              `json:"h_contract_terms"`
	RefundPermissions []RefundPermission  `json:"refund_permissions"`
	SessionSig        string              `json:"session_sig,omitempty"`
}

// Pay runs the RECEIVED -> ... -> ALL_DONE/ABORTING state machine
// described below.
func (o *Orchestrator) Pay(ctx context.Context, req Request) (Response, error) {
	if err := validateRequest(req); err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	merchantPubKey := string(req.MerchantPub)
	ct, err := o.Store.FindContractTerms(ctx, req.OrderID, merchantPubKey)
	if err != nil {
		if err == dbstore.ErrAbsent {
			return Response{}, apierr.OrderNotFound(fmt.Sprintf("no contract terms for order %q", req.OrderID))
		}
		return Response{}, apierr.DatabaseHardError(err.Error())
	}
	var cv contractView
	if err := json.Unmarshal(ct.JSON, &cv); err != nil {
		return Response{}, apierr.InternalLogicError(fmt.Sprintf("decoding stored contract terms: %v", err))
	}

	if req.Mode == "abort-refund" {
		return o.abortRefund(ctx, ct, cv, merchantPubKey)
	}
	return o.payMode(ctx, req, ct, cv, merchantPubKey)
}

func validateRequest(req Request) error {
	if req.Mode != "pay" && req.Mode != "abort-refund" {
		return apierr.ParameterMalformed("mode must be \"pay\" or \"abort-refund\"")
	}
	if len(req.Coins) == 0 {
		return apierr.ParameterMissing("coins must be a non-empty array")
	}
	if req.OrderID == "" {
		return apierr.ParameterMissing("order_id is required")
	}
	if len(req.MerchantPub) != 32 {
		return apierr.ParameterMalformed("merchant_pub must be 32 bytes")
	}
	return nil
}

// groupState tracks GROUPED-state bookkeeping: which submitted coins
// were already paid, and the running totals they contribute.
type groupState struct {
	alreadyPaid   map[string]bool // coin_pub -> found_in_db
	totalRefunded amount.Amount
}

func (o *Orchestrator) loadGroupState(ctx context.Context, h [32]byte, merchantPub string, currency string, coins []Coin) (groupState, error) {
	gs := groupState{alreadyPaid: map[string]bool{}, totalRefunded: amount.Zero(currency)}
	for _, c := range coins {
		if _, err := o.Store.FindPaymentByHashAndCoin(ctx, h, merchantPub, c.CoinPub); err == nil {
			gs.alreadyPaid[c.CoinPub] = true
		} else if err != dbstore.ErrAbsent {
			return groupState{}, apierr.DatabaseHardError(err.Error())
		}
	}
	refunds, err := o.Store.GetRefundsFromContractTermsHash(ctx, merchantPub, h)
	if err != nil {
		return groupState{}, apierr.DatabaseHardError(err.Error())
	}
	for _, r := range refunds {
		gs.totalRefunded, err = amount.Add(gs.totalRefunded, r.RefundAmount)
		if err != nil {
			return groupState{}, apierr.InternalLogicError(err.Error())
		}
	}
	return gs, nil
}

func (o *Orchestrator) payMode(ctx context.Context, req Request, ct dbstore.ContractTerms, cv contractView, merchantPub string) (Response, error) {
	currency := cv.Amount.Currency
	gs, err := o.loadGroupState(ctx, ct.HContractTerms, merchantPub, currency, req.Coins)
	if err != nil {
		return Response{}, err
	}

	groups := groupByExchange(req.Coins, gs.alreadyPaid)

	for _, g := range groups {
		if _, err := o.runExchangeGroup(ctx, ct, cv, merchantPub, g); err != nil {
			return Response{}, err
		}
	}

	return o.finishPay(ctx, ct, cv, merchantPub, gs, req.SessionID)
}

type coinGroup struct {
	exchangeURL string
	coins       []Coin
}

func groupByExchange(coins []Coin, alreadyPaid map[string]bool) []coinGroup {
	order := []string{}
	byURL := map[string][]Coin{}
	for _, c := range coins {
		if alreadyPaid[c.CoinPub] {
			continue
		}
		if _, seen := byURL[c.ExchangeURL]; !seen {
			order = append(order, c.ExchangeURL)
		}
		byURL[c.ExchangeURL] = append(byURL[c.ExchangeURL], c)
	}
	groups := make([]coinGroup, 0, len(order))
	for _, url := range order {
		groups = append(groups, coinGroup{exchangeURL: url, coins: byURL[url]})
	}
	return groups
}

// runExchangeGroup implements one EXCHANGE_k state: resolve the
// exchange once, then validate+deposit every coin of that exchange
// concurrently, waiting for the whole group to finish before the
// caller proceeds to EXCHANGE_k+1.
func (o *Orchestrator) runExchangeGroup(ctx context.Context, ct dbstore.ContractTerms, cv contractView, merchantPub string, g coinGroup) (*amount.Amount, error) {
	wireMethod := cv.WireMethod
	handle, wireFee, err := o.Exchanges.FindExchange(ctx, g.exchangeURL, &wireMethod)
	if err != nil {
		if err == exchange.ErrNotAcceptable {
			return nil, apierr.ExchangeRejected(fmt.Sprintf("%q is not a trusted exchange", g.exchangeURL))
		}
		if ctx.Err() != nil {
			return nil, apierr.ExchangeTimeout(fmt.Sprintf("exchange %s did not become reachable in time", g.exchangeURL))
		}
		return nil, apierr.ExchangeUnreachable(err.Error())
	}

	grpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(grpCtx)

	for _, coin := range g.coins {
		coin := coin
		eg.Go(func() error {
			return o.depositOne(egCtx, ct, handle, coin, wireMethod, wireFee)
		})
	}
	if err := eg.Wait(); err != nil {
		cancel() // make sure every sibling deposit observes cancellation
		return nil, err
	}
	return wireFee, nil
}

func (o *Orchestrator) depositOne(ctx context.Context, ct dbstore.ContractTerms, handle exchange.Handle, coin Coin, wireMethod string, wireFee *amount.Amount) error {
	dk, known := handle.Keys.DenomKeys[coin.DenomPub]
	if known {
		verdict := o.Auditors.CheckDenomination(dk, handle.Trusted, time.Now())
		if verdict != auditor.Accept {
			return apierr.ExchangeRejected(fmt.Sprintf("denomination key for coin %s is %s", coin.CoinPub, verdict))
		}
	}

	outcome, err := o.Depositor.Deposit(ctx, handle.URL, coin, wireMethod)
	if err != nil {
		if ctx.Err() != nil {
			return apierr.ExchangeTimeout(fmt.Sprintf("deposit for coin %s timed out", coin.CoinPub))
		}
		return apierr.ExchangeUnreachable(err.Error())
	}
	if outcome.HTTPStatus != 200 {
		if outcome.Body != nil {
			body := map[string]any{}
			_ = json.Unmarshal(outcome.Body, &body)
			body["coin_pub"] = coin.CoinPub
			return apierr.ExchangeError(outcome.HTTPStatus, outcome.ExchangeCode, body)
		}
		return apierr.ExchangeUnreachable(fmt.Sprintf("exchange returned %d with no body for coin %s", outcome.HTTPStatus, coin.CoinPub))
	}

	fee := amount.Zero(outcome.AmountWithFee.Currency)
	if wireFee != nil {
		fee = *wireFee
	}
	rec := dbstore.PaidCoinRecord{
		HContractTerms: ct.HContractTerms, CoinPub: coin.CoinPub, ExchangeURL: handle.URL,
		AmountWithFee: outcome.AmountWithFee, DepositFee: outcome.DepositFee,
		RefundFee: outcome.RefundFee, WireFee: fee,
		ExchangeSignKey: outcome.ExchangeSignKey, Proof: outcome.Proof,
	}
	storeErr := dbstore.WithSoftRetry(func() error {
		return o.Store.StoreDeposit(ctx, rec, ct.MerchantPub)
	})
	if storeErr != nil {
		return apierr.DbStorePayError(storeErr.Error())
	}
	return nil
}

func (o *Orchestrator) finishPay(ctx context.Context, ct dbstore.ContractTerms, cv contractView, merchantPub string, gs groupState, sessionID string) (Response, error) {
	payments, err := o.Store.FindPayments(ctx, ct.HContractTerms, merchantPub)
	if err != nil {
		return Response{}, apierr.DatabaseHardError(err.Error())
	}

	currency := cv.Amount.Currency
	if _, err := checkSufficiency(currency, payments, gs.totalRefunded, cv); err != nil {
		return Response{}, err
	}

	markErr := dbstore.WithSoftRetry(func() error {
		return o.Store.MarkProposalPaid(ctx, ct.HContractTerms, merchantPub, sessionID)
	})
	if markErr != nil {
		return Response{}, apierr.DatabaseHardError(markErr.Error())
	}

	inst, ok := o.Instances.LookupByPubKey([]byte(merchantPub))
	if !ok {
		return Response{}, apierr.InstanceUnknown("merchant_pub does not match a configured instance")
	}

	sig := signing.Sign(inst.Keys, signing.PurposeMerchantPaymentOK, ct.HContractTerms[:])

	refunds, err := o.Store.GetRefundsFromContractTermsHash(ctx, merchantPub, ct.HContractTerms)
	if err != nil {
		return Response{}, apierr.DatabaseHardError(err.Error())
	}
	perms := make([]RefundPermission, 0, len(refunds))
	for _, r := range refunds {
		perms = append(perms, signRefund(inst, r))
	}

	resp := Response{
		ContractTerms:     ct.JSON,
		Sig:               base64.StdEncoding.EncodeToString(sig),
		HContractTerms:    base64.StdEncoding.EncodeToString(ct.HContractTerms[:]),
		RefundPermissions: perms,
	}
	if sessionID != "" {
		hOrder, _ := canonjson.Hash(ct.OrderID)
		hSession, _ := canonjson.Hash(sessionID)
		payload := append(append([]byte{}, hOrder[:]...), hSession[:]...)
		sessionSig := signing.Sign(inst.Keys, signing.PurposeMerchantPaySession, payload)
		resp.SessionSig = base64.StdEncoding.EncodeToString(sessionSig)
	}
	return resp, nil
}

func signRefund(inst *instance.Instance, r dbstore.Refund) RefundPermission {
	payload := append(append([]byte{}, r.HContractTerms[:]...), []byte(r.CoinPub)...)
	sig := signing.Sign(inst.Keys, signing.PurposeMerchantRefund, payload)
	return RefundPermission{
		CoinPub: r.CoinPub, RefundAmount: r.RefundAmount, RefundFee: r.RefundFee,
		Sig: base64.StdEncoding.EncodeToString(sig),
	}
}

func (o *Orchestrator) abortRefund(ctx context.Context, ct dbstore.ContractTerms, cv contractView, merchantPub string) (Response, error) {
	if ct.Paid {
		return Response{}, apierr.AbortRefusedPaymentComplete("order is already marked paid; refusing abort-refund")
	}

	payments, err := o.Store.FindPayments(ctx, ct.HContractTerms, merchantPub)
	if err != nil {
		return Response{}, apierr.DatabaseHardError(err.Error())
	}
	total := amount.Zero(cv.Amount.Currency)
	for _, p := range payments {
		total, err = amount.Add(total, p.AmountWithFee)
		if err != nil {
			return Response{}, apierr.InternalLogicError(err.Error())
		}
	}

	refundErr := dbstore.WithSoftRetry(func() error {
		return o.Store.IncreaseRefundForContract(ctx, ct.HContractTerms, merchantPub, total, "abort-refund requested by wallet")
	})
	if refundErr != nil {
		return Response{}, apierr.DatabaseHardError(refundErr.Error())
	}

	inst, ok := o.Instances.LookupByPubKey([]byte(merchantPub))
	if !ok {
		return Response{}, apierr.InstanceUnknown("merchant_pub does not match a configured instance")
	}
	perms := make([]RefundPermission, 0, len(payments))
	for _, p := range payments {
		perms = append(perms, signRefund(inst, dbstore.Refund{
			HContractTerms: ct.HContractTerms, CoinPub: p.CoinPub, RefundAmount: p.AmountWithFee,
		}))
	}
	return Response{ContractTerms: ct.JSON, RefundPermissions: perms}, nil
}
