package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"merchantcore/internal/apierr"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/pay"
	"merchantcore/internal/service"
	"merchantcore/pkg/amount"
)

type handlers struct {
	svc *service.Service
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("merchant backend\n"))
}

func (h *handlers) postProposal(w http.ResponseWriter, r *http.Request) {
	var order map[string]any
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, apierr.ParameterMalformed("body is not a valid JSON object"))
		return
	}
	result, err := h.svc.Proposal.Sign(r.Context(), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getProposal implements GET /proposal?transaction_id=&instance=. The
// store keys contract terms by order_id rather than by a separately
// hashed transaction id, so transaction_id is looked up as an order_id
// directly -- the proposal signer writes order_id = transaction_id
// whenever the caller's order omits its own order_id.
func (h *handlers) getProposal(w http.ResponseWriter, r *http.Request) {
	txID := r.URL.Query().Get("transaction_id")
	if txID == "" {
		writeError(w, apierr.ParameterMissing("transaction_id is required"))
		return
	}
	instanceID := r.URL.Query().Get("instance")
	inst, ok := h.svc.Instances.LookupByID(instanceID)
	if !ok {
		writeError(w, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", instanceID)))
		return
	}

	order, err := h.svc.Proposal.Lookup(r.Context(), txID, string(inst.Keys.Public))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(order)
}

type payCoinWire struct {
	DenomPub     string        `json:"denom_pub"`
	Contribution amount.Amount `json:"contribution"`
	ExchangeURL  string        `json:"exchange_url"`
	CoinPub      string        `json:"coin_pub"`
	UBSig        string        `json:"ub_sig"`
	CoinSig      string        `json:"coin_sig"`
}

type payRequestWire struct {
	Mode      string        `json:"mode"`
	Coins     []payCoinWire `json:"coins"`
	OrderID   string        `json:"order_id"`
	Instance  string        `json:"instance"`
	SessionID string        `json:"session_id"`
}

func (h *handlers) postPay(w http.ResponseWriter, r *http.Request) {
	var wire payRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, apierr.ParameterMalformed("body is not a valid JSON object"))
		return
	}
	inst, ok := h.svc.Instances.LookupByID(wire.Instance)
	if !ok {
		writeError(w, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", wire.Instance)))
		return
	}

	coins := make([]pay.Coin, 0, len(wire.Coins))
	for _, c := range wire.Coins {
		coins = append(coins, pay.Coin{
			DenomPub: c.DenomPub, Contribution: c.Contribution, ExchangeURL: c.ExchangeURL,
			CoinPub: c.CoinPub, UBSig: c.UBSig, CoinSig: c.CoinSig,
		})
	}

	resp, err := h.svc.Pay.Pay(r.Context(), pay.Request{
		Mode: wire.Mode, Coins: coins, OrderID: wire.OrderID,
		MerchantPub: inst.Keys.Public, SessionID: wire.SessionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getCheckPayment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := q.Get("order_id")
	if orderID == "" {
		writeError(w, apierr.ParameterMissing("order_id is required"))
		return
	}
	instanceID := q.Get("instance")
	sessionID := q.Get("session_id")

	inst, ok := h.svc.Instances.LookupByID(instanceID)
	if !ok {
		writeError(w, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", instanceID)))
		return
	}
	merchantPub := string(inst.Keys.Public)

	ct, err := h.svc.Store.FindContractTerms(r.Context(), orderID, merchantPub)
	if err != nil {
		if err == dbstore.ErrAbsent {
			writeError(w, apierr.OrderNotFound(fmt.Sprintf("no proposal for order %q", orderID)))
			return
		}
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}

	if !ct.Paid {
		writeJSON(w, http.StatusOK, map[string]any{
			"paid":         false,
			"taler_pay_uri": payURI(r, instanceID, orderID, sessionID),
			"contract_url": q.Get("contract_url"),
		})
		return
	}

	refunds, err := h.svc.Store.GetRefundsFromContractTermsHash(r.Context(), merchantPub, ct.HContractTerms)
	if err != nil {
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}
	var refunded bool
	var currency string
	if len(refunds) > 0 {
		refunded = true
		currency = refunds[0].RefundAmount.Currency
	}
	total := amount.Zero(currency)
	for _, ref := range refunds {
		total, err = amount.Add(total, ref.RefundAmount)
		if err != nil {
			writeError(w, apierr.InternalLogicError(err.Error()))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"paid":           true,
		"contract_terms": ct.JSON,
		"refunded":       refunded,
		"refund_amount":  total,
	})
}

// getTrackTransaction implements GET /track/transaction?id=&instance=: it
// resolves every coin paid against the order, groups their bound
// wire-transfer identifiers by exchange and reconciles each group.
func (h *handlers) getTrackTransaction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := q.Get("id")
	if orderID == "" {
		writeError(w, apierr.ParameterMissing("id is required"))
		return
	}
	instanceID := q.Get("instance")
	inst, ok := h.svc.Instances.LookupByID(instanceID)
	if !ok {
		writeError(w, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", instanceID)))
		return
	}
	merchantPub := string(inst.Keys.Public)

	ct, err := h.svc.Store.FindContractTerms(r.Context(), orderID, merchantPub)
	if err != nil {
		if err == dbstore.ErrAbsent {
			writeError(w, apierr.OrderNotFound(fmt.Sprintf("no proposal for order %q", orderID)))
			return
		}
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}

	payments, err := h.svc.Store.FindPayments(r.Context(), ct.HContractTerms, merchantPub)
	if err != nil {
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}

	type key struct{ exchange, wtid string }
	seen := map[key]bool{}
	var results []map[string]any
	for _, p := range payments {
		wtid, err := h.svc.Store.FindTransferWTIDForCoin(r.Context(), ct.HContractTerms, p.CoinPub)
		if err == dbstore.ErrAbsent {
			continue
		}
		if err != nil {
			writeError(w, apierr.DatabaseHardError(err.Error()))
			return
		}
		k := key{p.ExchangeURL, wtid}
		if seen[k] {
			continue
		}
		seen[k] = true

		result, err := h.svc.Track.Reconcile(r.Context(), instanceID, p.ExchangeURL, wtid, "")
		if err != nil {
			writeError(w, err)
			return
		}
		results = append(results, map[string]any{
			"exchange_url": result.ExchangeURL,
			"wtid":         result.WTID,
			"deposits_sums": result.DepositsSums,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "wire_transfers": results})
}

func (h *handlers) getTrackTransfer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchangeURL := q.Get("exchange")
	wtid := q.Get("wtid")
	if exchangeURL == "" || wtid == "" {
		writeError(w, apierr.ParameterMissing("exchange and wtid are required"))
		return
	}
	result, err := h.svc.Track.Reconcile(r.Context(), q.Get("instance"), exchangeURL, wtid, q.Get("wire_method"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refundRequestWire struct {
	OrderID       string        `json:"order_id"`
	Instance      string        `json:"instance"`
	Refund        amount.Amount `json:"refund"`
	Reason        string        `json:"reason"`
}

func (h *handlers) postRefund(w http.ResponseWriter, r *http.Request) {
	var wire refundRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, apierr.ParameterMalformed("body is not a valid JSON object"))
		return
	}
	if wire.OrderID == "" {
		writeError(w, apierr.ParameterMissing("order_id is required"))
		return
	}
	inst, ok := h.svc.Instances.LookupByID(wire.Instance)
	if !ok {
		writeError(w, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", wire.Instance)))
		return
	}
	merchantPub := string(inst.Keys.Public)

	ct, err := h.svc.Store.FindContractTerms(r.Context(), wire.OrderID, merchantPub)
	if err != nil {
		if err == dbstore.ErrAbsent {
			writeError(w, apierr.OrderNotFound(fmt.Sprintf("no proposal for order %q", wire.OrderID)))
			return
		}
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}
	if !ct.Paid {
		writeError(w, apierr.AbortRefusedPaymentComplete("order is not yet paid; nothing to refund"))
		return
	}

	refundErr := dbstore.WithSoftRetry(func() error {
		return h.svc.Store.IncreaseRefundForContract(r.Context(), ct.HContractTerms, merchantPub, wire.Refund, wire.Reason)
	})
	if refundErr != nil {
		writeError(w, apierr.DatabaseHardError(refundErr.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"taler_refund_uri": payURI(r, wire.Instance, wire.OrderID, ""),
		"h_contract_terms": base64.StdEncoding.EncodeToString(ct.HContractTerms[:]),
	})
}

func (h *handlers) getRefund(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := q.Get("order_id")
	if orderID == "" {
		writeError(w, apierr.ParameterMissing("order_id is required"))
		return
	}
	instanceID := q.Get("instance")
	inst, ok := h.svc.Instances.LookupByID(instanceID)
	if !ok {
		writeError(w, apierr.InstanceUnknown(fmt.Sprintf("no such instance %q", instanceID)))
		return
	}
	merchantPub := string(inst.Keys.Public)

	ct, err := h.svc.Store.FindContractTerms(r.Context(), orderID, merchantPub)
	if err != nil {
		if err == dbstore.ErrAbsent {
			writeError(w, apierr.OrderNotFound(fmt.Sprintf("no proposal for order %q", orderID)))
			return
		}
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}

	refunds, err := h.svc.Store.GetRefundsFromContractTermsHash(r.Context(), merchantPub, ct.HContractTerms)
	if err != nil {
		writeError(w, apierr.DatabaseHardError(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "refunds": refunds})
}
