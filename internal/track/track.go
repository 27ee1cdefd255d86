// Package track implements the track-transfer reconciler: given a
// wire-transfer identifier claimed by an exchange, asks
// the exchange for its itemized contents, cross-checks every claimed
// coin against the merchant's own deposit records, and packages
// cryptographic proofs of exchange misbehavior when found.
package track

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"merchantcore/internal/apierr"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/exchange"
	"merchantcore/internal/instance"
	"merchantcore/pkg/amount"
)

// TransferDeposit is one item in an exchange's /transfer response.
type TransferDeposit struct {
	HContractTerms [32]byte
	CoinPub        string
	AmountWithFee  amount.Amount
	DepositFee     amount.Amount
}

// TransferResponse is the exchange's itemized wire-transfer contents.
type TransferResponse struct {
	ExecutionTime   int64
	ExchangeSignKey string
	WireFee         amount.Amount
	Deposits        []TransferDeposit
	Raw             json.RawMessage
}

// Transferer issues the /transfer HTTP request to an exchange. Network
// failures (including timeout) are returned as err; a non-200 HTTP
// response is reported via status/code/body instead of err, so callers
// can tell "exchange disagreed" from "exchange unreachable".
type Transferer interface {
	FetchTransfer(ctx context.Context, exchangeURL, wtid, wireMethod string) (resp TransferResponse, status int, code string, body json.RawMessage, err error)
}

// ExchangeResolver resolves trusted-exchange handles; satisfied by
// *exchange.Liaison.
type ExchangeResolver interface {
	FindExchange(ctx context.Context, url string, wireMethod *string) (exchange.Handle, *amount.Amount, error)
}

// DepositSums is one entry of the transformed response (see
// step 7): the per-order aggregate of an exchange's wire transfer.
type DepositSums struct {
	OrderID      string        `json:"order_id"`
	DepositValue amount.Amount `json:"deposit_value"`
	DepositFee   amount.Amount `json:"deposit_fee"`
}

// Result is the reconciled, transformed /track/transfer response.
type Result struct {
	WTID        string        `json:"wtid"`
	ExchangeURL string        `json:"exchange_url"`
	DepositsSums []DepositSums `json:"deposits_sums"`
}

// Reconciler ties together the database surface and the exchange
// liaison to cross-check claimed wire transfers against local records.
type Reconciler struct {
	Instances  *instance.Registry
	Store      dbstore.Store
	Exchanges  ExchangeResolver
	Transferer Transferer
	Log        *logrus.Logger
	Timeout    time.Duration // default 30s
}

func (r *Reconciler) logger() *logrus.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

func (r *Reconciler) timeout() time.Duration {
	if r.Timeout <= 0 {
		return 30 * time.Second
	}
	return r.Timeout
}

// Reconcile implements GET /track/transfer.
func (r *Reconciler) Reconcile(ctx context.Context, instanceID, exchangeURL, wtid, wireMethod string) (Result, error) {
	inst, ok := r.Instances.LookupByID(instanceID)
	if !ok {
		return Result{}, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", instanceID))
	}
	merchantPub := string(inst.Keys.Public)

	if proof, err := r.Store.FindProofByWTID(ctx, exchangeURL, wtid); err == nil {
		resp, perr := parseStoredProof(proof)
		if perr != nil {
			return Result{}, apierr.InternalLogicError(perr.Error())
		}
		return r.transform(ctx, exchangeURL, wtid, merchantPub, resp)
	} else if err != dbstore.ErrAbsent {
		return Result{}, apierr.DatabaseHardError(err.Error())
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	handle, _, err := r.Exchanges.FindExchange(fetchCtx, exchangeURL, nil)
	if err != nil {
		if err == exchange.ErrNotAcceptable {
			return Result{}, apierr.ExchangeRejected(fmt.Sprintf("%q is not a trusted exchange", exchangeURL))
		}
		if fetchCtx.Err() != nil {
			return Result{}, apierr.ExchangeTimeout(fmt.Sprintf("exchange %s did not become reachable in time", exchangeURL))
		}
		return Result{}, apierr.ExchangeUnreachable(err.Error())
	}

	resp, status, code, body, err := r.Transferer.FetchTransfer(fetchCtx, exchangeURL, wtid, wireMethod)
	if err != nil {
		if fetchCtx.Err() != nil {
			return Result{}, apierr.ExchangeTimeout(fmt.Sprintf("exchange %s did not answer /transfer in time", exchangeURL))
		}
		return Result{}, apierr.ExchangeUnreachable(err.Error())
	}
	if status != 200 {
		return Result{}, apierr.ExchangeError(status, code, body)
	}

	// Persist the signed proof before any validation: proof of
	// misbehavior must never be lost.
	rawProof, err := json.Marshal(resp)
	if err != nil {
		return Result{}, apierr.InternalLogicError(err.Error())
	}
	storeErr := dbstore.WithSoftRetry(func() error {
		return r.Store.StoreTransferToProof(ctx, dbstore.TransferProof{
			ExchangeURL: exchangeURL, WTID: wtid, ExecutionTime: resp.ExecutionTime,
			ExchangeSignKey: resp.ExchangeSignKey, JSON: rawProof,
		})
	})
	if storeErr != nil {
		return Result{}, apierr.DatabaseHardError(storeErr.Error())
	}

	if err := r.checkWireFee(ctx, handle.Keys.MasterPublic, wireMethod, resp); err != nil {
		return Result{}, err
	}

	if err := r.crossCheckDeposits(ctx, merchantPub, wtid, resp, rawProof); err != nil {
		return Result{}, err
	}

	return r.transform(ctx, exchangeURL, wtid, merchantPub, resp)
}

func (r *Reconciler) checkWireFee(ctx context.Context, masterPub, wireMethod string, resp TransferResponse) error {
	expected, err := r.Store.LookupWireFee(ctx, masterPub, wireMethod, resp.ExecutionTime)
	if err == dbstore.ErrAbsent {
		r.logger().WithFields(logrus.Fields{"wire_method": wireMethod}).Warn("track: no local wire-fee bound on file, accepting blindly")
		return nil
	}
	if err != nil {
		return apierr.DatabaseHardError(err.Error())
	}
	if amount.Cmp(resp.WireFee, expected.Fee) > 0 {
		return apierr.BadWireFee(expected, resp.WireFee)
	}
	return nil
}

func (r *Reconciler) crossCheckDeposits(ctx context.Context, merchantPub, wtid string, resp TransferResponse, transferProof json.RawMessage) error {
	for _, d := range resp.Deposits {
		local, err := r.Store.FindPaymentByHashAndCoin(ctx, d.HContractTerms, merchantPub, d.CoinPub)
		if err == dbstore.ErrAbsent {
			r.logger().WithField("coin_pub", d.CoinPub).Warn("track: exchange reports a deposit we have no record of; accepting")
			continue
		}
		if err != nil {
			return apierr.DatabaseHardError(err.Error())
		}
		if amount.Cmp(local.AmountWithFee, d.AmountWithFee) != 0 || amount.Cmp(local.DepositFee, d.DepositFee) != 0 {
			return apierr.ConflictingReports(local.Proof, transferProof)
		}
		storeErr := dbstore.WithSoftRetry(func() error {
			return r.Store.StoreCoinToTransfer(ctx, d.HContractTerms, d.CoinPub, wtid)
		})
		if storeErr != nil {
			return apierr.DatabaseHardError(storeErr.Error())
		}
	}
	return nil
}

func (r *Reconciler) transform(ctx context.Context, exchangeURL, wtid, merchantPub string, resp TransferResponse) (Result, error) {
	type group struct {
		value amount.Amount
		fee   amount.Amount
	}
	sums := map[[32]byte]*group{}
	order := []([32]byte){}
	for _, d := range resp.Deposits {
		g, ok := sums[d.HContractTerms]
		if !ok {
			currency := d.AmountWithFee.Currency
			g = &group{value: amount.Zero(currency), fee: amount.Zero(currency)}
			sums[d.HContractTerms] = g
			order = append(order, d.HContractTerms)
		}
		var err error
		g.value, err = amount.Add(g.value, d.AmountWithFee)
		if err != nil {
			return Result{}, apierr.InternalLogicError(err.Error())
		}
		g.fee, err = amount.Add(g.fee, d.DepositFee)
		if err != nil {
			return Result{}, apierr.InternalLogicError(err.Error())
		}
	}

	result := Result{WTID: wtid, ExchangeURL: exchangeURL}
	for _, h := range order {
		g := sums[h]
		ct, err := r.Store.FindPaidContractTermsFromHash(ctx, h, merchantPub)
		orderID := ""
		if err == nil {
			orderID = ct.OrderID
		}
		result.DepositsSums = append(result.DepositsSums, DepositSums{
			OrderID: orderID, DepositValue: g.value, DepositFee: g.fee,
		})
	}
	return result, nil
}

func parseStoredProof(p dbstore.TransferProof) (TransferResponse, error) {
	var resp TransferResponse
	if err := json.Unmarshal(p.JSON, &resp); err != nil {
		return TransferResponse{}, fmt.Errorf("track: decoding cached transfer proof: %w", err)
	}
	return resp, nil
}
