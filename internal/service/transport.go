package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"merchantcore/internal/auditor"
	"merchantcore/internal/exchange"
	"merchantcore/internal/pay"
	"merchantcore/internal/track"
	"merchantcore/pkg/amount"
)

// exchangeTransport is the one component of this backend that performs
// outbound HTTP requests, implementing exchange.KeysFetcher,
// pay.Depositor and track.Transferer over a shared http.Client.
type exchangeTransport struct {
	client *http.Client
}

func newExchangeTransport(timeout time.Duration) *exchangeTransport {
	return &exchangeTransport{client: &http.Client{Timeout: timeout}}
}

type keysWire struct {
	MasterPublic string `json:"master_public_key"`
	DenomKeys    []struct {
		Pub           string    `json:"denom_pub"`
		ExpireDeposit time.Time `json:"stamp_expire_deposit"`
		Auditors      []struct {
			AuditorPub string   `json:"auditor_pub"`
			DenomPubs  []string `json:"denom_pubs"`
		} `json:"auditors"`
	} `json:"denoms"`
	Auditors []struct {
		Name string `json:"auditor_url"`
		Pub  string `json:"auditor_pub"`
	} `json:"auditors"`
	WireFees map[string][]struct {
		Fee        amount.Amount `json:"wire_fee"`
		ClosingFee amount.Amount `json:"closing_fee"`
		ValidFrom  time.Time     `json:"start_date"`
		ValidUntil time.Time     `json:"end_date"`
	} `json:"wire_fees"`
}

func (t *exchangeTransport) FetchKeys(ctx context.Context, baseURL string) (exchange.Keys, map[string]exchange.WireFee, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/keys", nil)
	if err != nil {
		return exchange.Keys{}, nil, fmt.Errorf("service: building /keys request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return exchange.Keys{}, nil, fmt.Errorf("service: fetching %s/keys: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return exchange.Keys{}, nil, fmt.Errorf("service: %s/keys returned %d", baseURL, resp.StatusCode)
	}

	var wire keysWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return exchange.Keys{}, nil, fmt.Errorf("service: decoding /keys response: %w", err)
	}

	denoms := make(map[string]auditor.DenominationKey, len(wire.DenomKeys))
	for _, d := range wire.DenomKeys {
		dk := auditor.DenominationKey{Pub: d.Pub, ExpireDeposit: d.ExpireDeposit}
		for _, a := range d.Auditors {
			for _, denomPub := range a.DenomPubs {
				dk.AuditorVouchers = append(dk.AuditorVouchers, auditor.AuditorVoucher{AuditorPub: a.AuditorPub, DenomPub: denomPub})
			}
		}
		denoms[d.Pub] = dk
	}
	auditors := make([]auditor.Auditor, 0, len(wire.Auditors))
	for _, a := range wire.Auditors {
		auditors = append(auditors, auditor.Auditor{URI: a.Name, PublicKey: a.Pub})
	}

	fees := make(map[string]exchange.WireFee, len(wire.WireFees))
	for method, schedule := range wire.WireFees {
		for _, f := range schedule {
			fees[method] = exchange.WireFee{Fee: f.Fee, ClosingFee: f.ClosingFee, ValidFrom: f.ValidFrom, ValidUntil: f.ValidUntil}
		}
	}

	keys := exchange.Keys{MasterPublic: wire.MasterPublic, DenomKeys: denoms, Auditors: auditors}
	return keys, fees, nil
}

type depositRequestWire struct {
	DenomPub     string        `json:"denom_pub"`
	CoinPub      string        `json:"coin_pub"`
	UBSig        string        `json:"ub_sig"`
	CoinSig      string        `json:"coin_sig"`
	Contribution amount.Amount `json:"contribution"`
	WireMethod   string        `json:"wire_method"`
}

type depositResponseWire struct {
	AmountWithFee   amount.Amount   `json:"amount_with_fee"`
	DepositFee      amount.Amount   `json:"deposit_fee"`
	RefundFee       amount.Amount   `json:"refund_fee"`
	ExchangeSignKey string          `json:"exchange_sig_pub"`
	Proof           json.RawMessage `json:"proof"`
	Code            string          `json:"code"`
}

func (t *exchangeTransport) Deposit(ctx context.Context, exchangeURL string, coin pay.Coin, wireMethod string) (pay.DepositOutcome, error) {
	body, err := json.Marshal(depositRequestWire{
		DenomPub: coin.DenomPub, CoinPub: coin.CoinPub, UBSig: coin.UBSig, CoinSig: coin.CoinSig,
		Contribution: coin.Contribution, WireMethod: wireMethod,
	})
	if err != nil {
		return pay.DepositOutcome{}, fmt.Errorf("service: encoding deposit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, exchangeURL+"/deposit", bytes.NewReader(body))
	if err != nil {
		return pay.DepositOutcome{}, fmt.Errorf("service: building deposit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return pay.DepositOutcome{}, fmt.Errorf("service: depositing coin %s at %s: %w", coin.CoinPub, exchangeURL, err)
	}
	defer resp.Body.Close()

	var wire depositResponseWire
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return pay.DepositOutcome{}, fmt.Errorf("service: reading deposit response: %w", err)
	}
	_ = json.Unmarshal(raw, &wire)

	return pay.DepositOutcome{
		HTTPStatus: resp.StatusCode, ExchangeCode: wire.Code, Body: raw,
		AmountWithFee: wire.AmountWithFee, DepositFee: wire.DepositFee, RefundFee: wire.RefundFee,
		ExchangeSignKey: wire.ExchangeSignKey, Proof: wire.Proof,
	}, nil
}

type transferResponseWire struct {
	ExecutionTime   int64         `json:"execution_time"`
	ExchangeSignKey string        `json:"exchange_sig_pub"`
	WireFee         amount.Amount `json:"wire_fee"`
	Deposits        []struct {
		HContractTerms string        `json:"h_contract_terms"`
		CoinPub        string        `json:"coin_pub"`
		AmountWithFee  amount.Amount `json:"deposit_value"`
		DepositFee     amount.Amount `json:"deposit_fee"`
	} `json:"deposits"`
	Code string `json:"code"`
}

func (t *exchangeTransport) FetchTransfer(ctx context.Context, exchangeURL, wtid, wireMethod string) (track.TransferResponse, int, string, json.RawMessage, error) {
	url := fmt.Sprintf("%s/transfer?wtid=%s", exchangeURL, wtid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return track.TransferResponse{}, 0, "", nil, fmt.Errorf("service: building /transfer request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return track.TransferResponse{}, 0, "", nil, fmt.Errorf("service: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return track.TransferResponse{}, 0, "", nil, fmt.Errorf("service: reading /transfer response: %w", err)
	}
	var wire transferResponseWire
	_ = json.Unmarshal(raw, &wire)

	result := track.TransferResponse{
		ExecutionTime: wire.ExecutionTime, ExchangeSignKey: wire.ExchangeSignKey,
		WireFee: wire.WireFee, Raw: raw,
	}
	for _, d := range wire.Deposits {
		decoded, err := base64.StdEncoding.DecodeString(d.HContractTerms)
		if err != nil {
			return track.TransferResponse{}, 0, "", nil, fmt.Errorf("service: decoding h_contract_terms in /transfer response: %w", err)
		}
		var h [32]byte
		copy(h[:], decoded)
		result.Deposits = append(result.Deposits, track.TransferDeposit{
			HContractTerms: h, CoinPub: d.CoinPub, AmountWithFee: d.AmountWithFee, DepositFee: d.DepositFee,
		})
	}
	return result, resp.StatusCode, wire.Code, raw, nil
}

var _ exchange.KeysFetcher = (*exchangeTransport)(nil)
var _ pay.Depositor = (*exchangeTransport)(nil)
var _ track.Transferer = (*exchangeTransport)(nil)
