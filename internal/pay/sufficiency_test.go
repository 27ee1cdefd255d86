package pay

import (
	"testing"

	"merchantcore/internal/apierr"
	"merchantcore/internal/dbstore"
	"merchantcore/pkg/amount"
)

func record(t *testing.T, coinPub, amt, fee string) dbstore.PaidCoinRecord {
	t.Helper()
	return dbstore.PaidCoinRecord{
		CoinPub: coinPub, ExchangeURL: "https://a.example/",
		AmountWithFee: mustAmount(t, amt), DepositFee: mustAmount(t, fee),
		WireFee: amount.Zero("CUR"),
	}
}

// recordAt is record with an explicit exchange and wire fee, for cases
// exercising the distinct-exchange wire-fee summation.
func recordAt(t *testing.T, coinPub, exchangeURL, amt, fee, wireFee string) dbstore.PaidCoinRecord {
	t.Helper()
	r := record(t, coinPub, amt, fee)
	r.ExchangeURL = exchangeURL
	r.WireFee = mustAmount(t, wireFee)
	return r
}

// Multi-exchange amortized wire fees: wire_fee_amortization 2, exchanges
// A (0.10) and B (0.08), max_wire_fee 0.05. Customer owes
// (0.10+0.08-0.05)/2 = 0.065 beyond the contract amount.
func TestSufficiencyAmortizesWireFeeExcess(t *testing.T) {
	cv := contractView{
		Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.00"),
		MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 2,
	}

	exact := []dbstore.PaidCoinRecord{
		recordAt(t, "c1", "https://a.example/", "CUR:5.065", "CUR:0.00", "CUR:0.10"),
		recordAt(t, "c2", "https://b.example/", "CUR:0.00", "CUR:0.00", "CUR:0.08"),
	}
	if _, err := checkSufficiency("CUR", exact, amount.Zero("CUR"), cv); err != nil {
		t.Fatalf("expected exact coverage to be sufficient, got %v", err)
	}

	short := []dbstore.PaidCoinRecord{
		recordAt(t, "c1", "https://a.example/", "CUR:5.064", "CUR:0.00", "CUR:0.10"),
		recordAt(t, "c2", "https://b.example/", "CUR:0.00", "CUR:0.00", "CUR:0.08"),
	}
	_, err := checkSufficiency("CUR", short, amount.Zero("CUR"), cv)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "PaymentInsufficient" {
		t.Fatalf("expected PaymentInsufficient for a one-unit shortfall, got %v", err)
	}
}

// A coin paid via exchange A in an earlier call still contributes A's
// wire fee even though this check only sees it through the stored
// PaidCoinRecord, not a wireFeesUsed map scoped to a later call.
func TestSufficiencyCountsWireFeeFromPriorExchange(t *testing.T) {
	cv := contractView{
		Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.00"),
		MaxWireFee: mustAmount(t, "CUR:0.00"), WireFeeAmortization: 1,
	}
	recs := []dbstore.PaidCoinRecord{
		recordAt(t, "c1", "https://a.example/", "CUR:5.10", "CUR:0.00", "CUR:0.10"),
	}
	if _, err := checkSufficiency("CUR", recs, amount.Zero("CUR"), cv); err != nil {
		t.Fatalf("expected prior exchange's wire fee to be required and met, got %v", err)
	}

	short := []dbstore.PaidCoinRecord{
		recordAt(t, "c1", "https://a.example/", "CUR:5.00", "CUR:0.00", "CUR:0.10"),
	}
	_, err := checkSufficiency("CUR", short, amount.Zero("CUR"), cv)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "PaymentInsufficient" {
		t.Fatalf("expected PaymentInsufficient when the prior exchange's wire fee is unmet, got %v", err)
	}
}

func TestSufficiencyRejectsFeeExceedingContribution(t *testing.T) {
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:1.00"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1}
	recs := []dbstore.PaidCoinRecord{record(t, "c1", "CUR:1.00", "CUR:2.00")}
	_, err := checkSufficiency("CUR", recs, amount.Zero("CUR"), cv)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "FeesExceedPayment" {
		t.Fatalf("expected FeesExceedPayment, got %v", err)
	}
}

func TestSufficiencyRejectsWireFeeCurrencyMismatch(t *testing.T) {
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:1.00"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1}
	recs := []dbstore.PaidCoinRecord{recordAt(t, "c1", "https://a.example/", "CUR:5.00", "CUR:0.00", "XYZ:0.10")}
	_, err := checkSufficiency("CUR", recs, amount.Zero("CUR"), cv)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "WireFeeCurrencyMismatch" {
		t.Fatalf("expected WireFeeCurrencyMismatch, got %v", err)
	}
}

func TestSufficiencyFeesExceedingMaxRequireExtraCoverage(t *testing.T) {
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.01"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1}
	// acc_fee 0.03 exceeds max_fee 0.01 by 0.02; required = 5.00+0.02 = 5.02.
	recs := []dbstore.PaidCoinRecord{record(t, "c1", "CUR:5.019", "CUR:0.03")}
	_, err := checkSufficiency("CUR", recs, amount.Zero("CUR"), cv)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "PaymentInsufficientDueToFees" {
		t.Fatalf("expected PaymentInsufficientDueToFees, got %v", err)
	}

	recs[0] = record(t, "c1", "CUR:5.02", "CUR:0.03")
	if _, err := checkSufficiency("CUR", recs, amount.Zero("CUR"), cv); err != nil {
		t.Fatalf("expected exact required coverage to be sufficient, got %v", err)
	}
}

func TestSufficiencyRequiresAtLeastOneCoin(t *testing.T) {
	cv := contractView{Amount: mustAmount(t, "CUR:5.00"), MaxFee: mustAmount(t, "CUR:0.01"), MaxWireFee: mustAmount(t, "CUR:0.05"), WireFeeAmortization: 1}
	_, err := checkSufficiency("CUR", nil, amount.Zero("CUR"), cv)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "PaymentInsufficient" {
		t.Fatalf("expected PaymentInsufficient, got %v", err)
	}
}
