package pay

import (
	"merchantcore/internal/apierr"
	"merchantcore/internal/dbstore"
	"merchantcore/pkg/amount"
)

// checkSufficiency runs the payment-sufficiency algorithm in its
// specified order; the first failing check determines
// the returned error code. On success it returns the effective paid
// amount after every adjustment, for callers that want it (none
// currently do, but it documents what "sufficient" settled on).
func checkSufficiency(currency string, payments []dbstore.PaidCoinRecord, totalRefunded amount.Amount, cv contractView) (amount.Amount, error) {
	// 1. at least one coin.
	if len(payments) == 0 {
		return amount.Amount{}, apierr.PaymentInsufficient("no coins have been accepted for this contract")
	}

	// 2. no single coin's fee exceeds its own contribution.
	accAmount := amount.Zero(currency)
	accFee := amount.Zero(currency)
	for _, p := range payments {
		if amount.Cmp(p.DepositFee, p.AmountWithFee) > 0 {
			return amount.Amount{}, apierr.FeesExceedPayment("a coin's deposit fee exceeds its own contribution")
		}
		var err error
		accAmount, err = amount.Add(accAmount, p.AmountWithFee)
		if err != nil {
			return amount.Amount{}, apierr.InternalLogicError(err.Error())
		}
		accFee, err = amount.Add(accFee, p.DepositFee)
		if err != nil {
			return amount.Amount{}, apierr.InternalLogicError(err.Error())
		}
	}

	// 3. every wire fee actually incurred shares the contract's currency;
	// sum one fee per distinct exchange across every paid coin, not just
	// the exchanges touched by this call.
	totalWireFee := amount.Zero(currency)
	seenExchange := map[string]bool{}
	for _, p := range payments {
		if seenExchange[p.ExchangeURL] {
			continue
		}
		seenExchange[p.ExchangeURL] = true
		if p.WireFee.Currency != currency {
			return amount.Amount{}, apierr.WireFeeCurrencyMismatch("exchange wire fee is denominated in a different currency than the contract")
		}
		var err error
		totalWireFee, err = amount.Add(totalWireFee, p.WireFee)
		if err != nil {
			return amount.Amount{}, apierr.InternalLogicError(err.Error())
		}
	}

	// 4. amortize any wire-fee excess across the configured divisor.
	amortization := cv.WireFeeAmortization
	if amortization == 0 {
		amortization = 1
	}
	wireFeeExcess := amount.SaturatingSub(totalWireFee, cv.MaxWireFee)
	customerWireContribution, err := amount.DivInt(wireFeeExcess, amortization)
	if err != nil {
		return amount.Amount{}, apierr.InternalLogicError(err.Error())
	}

	// 5. net out prior refunds.
	effectivePaid, err := amount.Sub(accAmount, totalRefunded)
	if err != nil {
		return amount.Amount{}, apierr.InternalLogicError("total_refunded exceeds acc_amount: " + err.Error())
	}

	// 6/7. fold deposit-fee overage or savings against the wire-fee
	// contribution, then compare against the contract amount.
	if amount.Cmp(accFee, cv.MaxFee) > 0 {
		excessFee, err := amount.Sub(accFee, cv.MaxFee)
		if err != nil {
			return amount.Amount{}, apierr.InternalLogicError(err.Error())
		}
		required, err := amount.Add(cv.Amount, excessFee)
		if err != nil {
			return amount.Amount{}, apierr.InternalLogicError(err.Error())
		}
		required, err = amount.Add(required, customerWireContribution)
		if err != nil {
			return amount.Amount{}, apierr.InternalLogicError(err.Error())
		}
		if amount.Cmp(effectivePaid, required) < 0 {
			return amount.Amount{}, apierr.PaymentInsufficientDueToFees("paid amount does not cover the contract amount plus excess deposit fees plus the customer's wire-fee share")
		}
		return effectivePaid, nil
	}

	savings := amount.SaturatingSub(cv.MaxFee, accFee)
	remainingContribution := amount.SaturatingSub(customerWireContribution, savings)
	effectivePaid = amount.SaturatingSub(effectivePaid, remainingContribution)
	if amount.Cmp(effectivePaid, cv.Amount) < 0 {
		return amount.Amount{}, apierr.PaymentInsufficient("paid amount does not cover the contract amount after absorbing deposit-fee savings")
	}
	return effectivePaid, nil
}
