package proposal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"merchantcore/internal/auditor"
	"merchantcore/internal/config"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/instance"
	"merchantcore/pkg/signing"
)

type fakeLister struct{}

func (fakeLister) TrustedExchanges() []map[string]string {
	return []map[string]string{{"url": "https://exchange-a.example/", "master_pub": "MASTER1"}}
}

func newSigner(t *testing.T) *Signer {
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
		Merchant: config.Merchant{Currency: "CUR"},
		Instances: []config.InstanceSection{
			{ID: "default", Name: "Default Shop", KeyFile: keyPath},
		},
		Accounts: []config.AccountSection{{
			Name: "checking", PaytoURI: "payto://iban/DE1234",
			WireResponse: filepath.Join(dir, "wire.json"), WireFileMode: "600",
			HonoredBy: map[string]bool{"default": true},
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
	return &Signer{Instances: reg, Auditors: ts, Exchanges: fakeLister{}, Store: dbstore.NewMemStore()}
}

func validOrder() map[string]any {
	return map[string]any{
		"amount":         "CUR:5.00",
		"max_fee":        "CUR:0.10",
		"transaction_id": "tx-1",
		"order_id":       "order-1",
		"timestamp":      1000,
		"refund_deadline": 2000,
		"pay_deadline":    3000,
		"products": []any{
			map[string]any{"description": "widget"},
		},
	}
}

func TestSignProducesSignatureAndPersists(t *testing.T) {
	s := newSigner(t)
	res, err := s.Sign(context.Background(), validOrder())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res.MerchantSig == "" || res.Hash == "" {
		t.Fatalf("expected non-empty sig/hash, got %+v", res)
	}

	got, err := s.Lookup(context.Background(), "order-1", string(mustInstancePub(t, s)))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected stored order JSON")
	}
}

func mustInstancePub(t *testing.T, s *Signer) []byte {
	t.Helper()
	inst, ok := s.Instances.LookupByID("default")
	if !ok {
		t.Fatal("default instance missing")
	}
	return inst.Keys.Public
}

func TestSignRejectsMissingProducts(t *testing.T) {
	s := newSigner(t)
	order := validOrder()
	delete(order, "products")
	if _, err := s.Sign(context.Background(), order); err == nil {
		t.Fatal("expected ParameterMissing for absent products")
	}
}

func TestSignRejectsMalformedProduct(t *testing.T) {
	s := newSigner(t)
	order := validOrder()
	order["products"] = []any{map[string]any{"no_description": true}}
	if _, err := s.Sign(context.Background(), order); err == nil {
		t.Fatal("expected ParameterMalformed for product without description")
	}
}

func TestSignRejectsUnknownInstance(t *testing.T) {
	s := newSigner(t)
	order := validOrder()
	order["merchant"] = map[string]any{"id": "ghost"}
	if _, err := s.Sign(context.Background(), order); err == nil {
		t.Fatal("expected InstanceUnknown for an unconfigured instance id")
	}
}

func TestDistinctOrdersHashDifferently(t *testing.T) {
	s := newSigner(t)
	res1, err := s.Sign(context.Background(), validOrder())
	if err != nil {
		t.Fatal(err)
	}
	order2 := validOrder()
	order2["transaction_id"] = "tx-2"
	order2["order_id"] = "order-2"
	res2, err := s.Sign(context.Background(), order2)
	if err != nil {
		t.Fatal(err)
	}
	if res1.Hash == res2.Hash {
		t.Fatal("distinct orders must hash differently")
	}
}
