package pay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"merchantcore/internal/apierr"
	"merchantcore/internal/auditor"
	"merchantcore/internal/config"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/exchange"
	"merchantcore/internal/instance"
	"merchantcore/pkg/amount"
	"merchantcore/pkg/signing"
)

type fakeExchangeResolver struct {
	wireFee *amount.Amount
	reject  bool
}

func (f fakeExchangeResolver) FindExchange(ctx context.Context, url string, wireMethod *string) (exchange.Handle, *amount.Amount, error) {
	if f.reject {
		return exchange.Handle{}, nil, exchange.ErrNotAcceptable
	}
	return exchange.Handle{URL: url, Trusted: true}, f.wireFee, nil
}

type scriptedDepositor struct {
	outcome DepositOutcome
	err     error
	calls   int
}

func (d *scriptedDepositor) Deposit(ctx context.Context, exchangeURL string, coin Coin, wireMethod string) (DepositOutcome, error) {
	d.calls++
	return d.outcome, d.err
}

func newTestOrchestrator(t *testing.T, resolver ExchangeResolver, dep Depositor) (*Orchestrator, *instance.Instance, dbstore.Store) {
	t.Helper()
	dir := t.TempDir()
	kp, err := signing.Generate()
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "default.priv")
	if err := os.WriteFile(keyPath, kp.Private.Seed(), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Instances: []config.InstanceSection{{ID: "default", Name: "Shop", KeyFile: keyPath}},
		Accounts: []config.AccountSection{{
			Name: "acc", PaytoURI: "payto://iban/DE1", WireResponse: filepath.Join(dir, "w.json"),
			WireFileMode: "600", HonoredBy: map[string]bool{"default": true},
		}},
	}
	reg, err := instance.Load(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := auditor.Load(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	inst, _ := reg.LookupByID("default")
	store := dbstore.NewMemStore()
	return &Orchestrator{
		Instances: reg, Auditors: ts, Exchanges: resolver, Depositor: dep, Store: store,
	}, inst, store
}

func insertContract(t *testing.T, store dbstore.Store, merchantPub string, cv contractView, orderID string) [32]byte {
	t.Helper()
	raw, err := json.Marshal(cv)
	if err != nil {
		t.Fatal(err)
	}
	h := [32]byte{}
	copy(h[:], []byte(orderID+merchantPub))
	terms := dbstore.ContractTerms{OrderID: orderID, MerchantPub: merchantPub, JSON: raw, HContractTerms: h}
	if err := store.InsertProposalData(context.Background(), "txhash-"+orderID, raw, terms); err != nil {
		t.Fatal(err)
	}
	return h
}

func mustAmount(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestPaySingleExchangeHappyPath(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{wireFee: ptrAmount(mustAmount(t, "CUR:0.03"))}, &scriptedDepositor{
		outcome: DepositOutcome{HTTPStatus: 200, AmountWithFee: mustAmount(t, "CUR:3.00"), DepositFee: mustAmount(t, "CUR:0.005")},
	})
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.10"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1, WireMethod: "iban"}
	insertContract(t, store, string(inst.Keys.Public), cv, "order-1")

	dep := &scriptedDepositor{outcome: DepositOutcome{HTTPStatus: 200, AmountWithFee: mustAmount(t, "CUR:2.50"), DepositFee: mustAmount(t, "CUR:0.005")}}
	o.Depositor = dep

	req := Request{
		Mode: "pay", OrderID: "order-1", MerchantPub: inst.Keys.Public,
		Coins: []Coin{
			{CoinPub: "coinA", ExchangeURL: "https://exchange-a.example/", Contribution: mustAmount(t, "CUR:3.00")},
			{CoinPub: "coinB", ExchangeURL: "https://exchange-a.example/", Contribution: mustAmount(t, "CUR:2.50")},
		},
	}
	resp, err := o.Pay(context.Background(), req)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if resp.Sig == "" || resp.HContractTerms == "" {
		t.Fatalf("expected signature and hash, got %+v", resp)
	}
	if dep.calls != 2 {
		t.Fatalf("expected 2 deposit calls, got %d", dep.calls)
	}
}

func TestPayFailsWhenInsufficient(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{wireFee: ptrAmount(mustAmount(t, "CUR:0.03"))}, nil)
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.10"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1, WireMethod: "iban"}
	insertContract(t, store, string(inst.Keys.Public), cv, "order-2")

	o.Depositor = &scriptedDepositor{outcome: DepositOutcome{HTTPStatus: 200, AmountWithFee: mustAmount(t, "CUR:1.00"), DepositFee: mustAmount(t, "CUR:0.005")}}
	req := Request{
		Mode: "pay", OrderID: "order-2", MerchantPub: inst.Keys.Public,
		Coins: []Coin{{CoinPub: "coinC", ExchangeURL: "https://exchange-a.example/", Contribution: mustAmount(t, "CUR:1.00")}},
	}
	_, err := o.Pay(context.Background(), req)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "PaymentInsufficient" {
		t.Fatalf("expected PaymentInsufficient, got %v", err)
	}
}

func TestPayForwardsExchangeDepositError(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{}, nil)
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.10"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1, WireMethod: "iban"}
	insertContract(t, store, string(inst.Keys.Public), cv, "order-3")

	o.Depositor = &scriptedDepositor{outcome: DepositOutcome{HTTPStatus: 410, ExchangeCode: "COIN_CONFLICTING_DENOMINATION_KEY", Body: json.RawMessage(`{"x":1}`)}}
	req := Request{
		Mode: "pay", OrderID: "order-3", MerchantPub: inst.Keys.Public,
		Coins: []Coin{{CoinPub: "coinD", ExchangeURL: "https://exchange-a.example/", Contribution: mustAmount(t, "CUR:5.00")}},
	}
	_, err := o.Pay(context.Background(), req)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "ExchangeError" {
		t.Fatalf("expected ExchangeError, got %v", err)
	}

	ct, lookupErr := store.FindContractTerms(context.Background(), "order-3", string(inst.Keys.Public))
	if lookupErr != nil {
		t.Fatal(lookupErr)
	}
	if ct.Paid {
		t.Fatal("a rejected deposit must never mark the order paid")
	}
}

func TestPayRejectsUntrustedExchange(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{reject: true}, &scriptedDepositor{})
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.10"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1, WireMethod: "iban"}
	insertContract(t, store, string(inst.Keys.Public), cv, "order-4")

	req := Request{
		Mode: "pay", OrderID: "order-4", MerchantPub: inst.Keys.Public,
		Coins: []Coin{{CoinPub: "coinE", ExchangeURL: "https://unknown.example/", Contribution: mustAmount(t, "CUR:5.00")}},
	}
	_, err := o.Pay(context.Background(), req)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "ExchangeRejected" {
		t.Fatalf("expected ExchangeRejected, got %v", err)
	}
}

func TestPayIdempotentReplaySkipsStoredCoins(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{}, nil)
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.10"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1, WireMethod: "iban"}
	h := insertContract(t, store, string(inst.Keys.Public), cv, "order-5")
	store.StoreDeposit(context.Background(), dbstore.PaidCoinRecord{
		HContractTerms: h, CoinPub: "coinF", AmountWithFee: mustAmount(t, "CUR:5.00"), DepositFee: mustAmount(t, "CUR:0.00"),
		WireFee: mustAmount(t, "CUR:0.00"),
	}, string(inst.Keys.Public))

	dep := &scriptedDepositor{}
	o.Depositor = dep
	req := Request{
		Mode: "pay", OrderID: "order-5", MerchantPub: inst.Keys.Public,
		Coins: []Coin{{CoinPub: "coinF", ExchangeURL: "https://exchange-a.example/", Contribution: mustAmount(t, "CUR:5.00")}},
	}
	resp, err := o.Pay(context.Background(), req)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if dep.calls != 0 {
		t.Fatalf("expected no new deposit calls for an already-recorded coin, got %d", dep.calls)
	}
	if resp.HContractTerms == "" {
		t.Fatal("expected a contract-terms hash in the replayed response")
	}
}

func TestAbortRefundOnUnpaidOrderReturnsSignedPermissions(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{}, nil)
	cv := contractView{Amount: mustAmount(t, "CUR:1.00"), MaxFee: mustAmount(t, "CUR:0.02"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1}
	h := insertContract(t, store, string(inst.Keys.Public), cv, "order-6")
	store.StoreDeposit(context.Background(), dbstore.PaidCoinRecord{
		HContractTerms: h, CoinPub: "coinG", AmountWithFee: mustAmount(t, "CUR:0.50"),
	}, string(inst.Keys.Public))
	store.StoreDeposit(context.Background(), dbstore.PaidCoinRecord{
		HContractTerms: h, CoinPub: "coinH", AmountWithFee: mustAmount(t, "CUR:0.50"),
	}, string(inst.Keys.Public))

	req := Request{Mode: "abort-refund", OrderID: "order-6", MerchantPub: inst.Keys.Public, Coins: []Coin{{CoinPub: "coinG"}}}
	resp, err := o.Pay(context.Background(), req)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if len(resp.RefundPermissions) != 2 {
		t.Fatalf("expected 2 refund permissions, got %d", len(resp.RefundPermissions))
	}
	for _, p := range resp.RefundPermissions {
		if p.Sig == "" {
			t.Fatal("expected every refund permission to carry a signature")
		}
	}
}

func TestAbortRefundRefusedOnPaidOrder(t *testing.T) {
	o, inst, store := newTestOrchestrator(t, fakeExchangeResolver{}, nil)
	cv := contractView{Amount: mustAmount(t, "CUR:1.00"), MaxFee: mustAmount(t, "CUR:0.02"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1}
	h := insertContract(t, store, string(inst.Keys.Public), cv, "order-7")
	if err := store.MarkProposalPaid(context.Background(), h, string(inst.Keys.Public), ""); err != nil {
		t.Fatal(err)
	}

	req := Request{Mode: "abort-refund", OrderID: "order-7", MerchantPub: inst.Keys.Public, Coins: []Coin{{CoinPub: "coinI"}}}
	_, err := o.Pay(context.Background(), req)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "AbortRefusedPaymentComplete" {
		t.Fatalf("expected AbortRefusedPaymentComplete, got %v", err)
	}
}

func TestPayValidatesRequestShape(t *testing.T) {
	o := &Orchestrator{}
	_, err := o.Pay(context.Background(), Request{Mode: "bogus"})
	if apiErr, ok := err.(*apierr.Error); !ok || apiErr.Code != "ParameterMalformed" {
		t.Fatalf("expected ParameterMalformed, got %v", err)
	}
}

func ptrAmount(a amount.Amount) *amount.Amount { return &a }
