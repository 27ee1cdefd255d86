// Package apierr defines the merchant backend's HTTP-facing error
// taxonomy: every error response is a JSON object carrying at minimum
// {code, hint}.
package apierr

import "net/http"

// Error is a stable, machine-readable error returned to callers of the
// HTTP API. It implements the error interface so it can be passed
// through ordinary Go error-handling paths until it reaches the HTTP
// layer, where its Status/Code/Hint are serialized directly.
type Error struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
	Hint   string `json:"hint"`

	// Details carries exchange-forwarded diagnostics: the exchange's own
	// status/code/body, nested under "details" / "exchange_reply".
	Details any `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Hint }

func New(status int, code, hint string) *Error {
	return &Error{Status: status, Code: code, Hint: hint}
}

func WithDetails(status int, code, hint string, details any) *Error {
	return &Error{Status: status, Code: code, Hint: hint, Details: details}
}

// Named constructors for every error code the backend can return.
var (
	ParameterMissing   = func(hint string) *Error { return New(http.StatusBadRequest, "ParameterMissing", hint) }
	ParameterMalformed = func(hint string) *Error { return New(http.StatusBadRequest, "ParameterMalformed", hint) }

	InstanceUnknown         = func(hint string) *Error { return New(http.StatusNotFound, "InstanceUnknown", hint) }
	OrderNotFound           = func(hint string) *Error { return New(http.StatusNotFound, "OrderNotFound", hint) }
	TransactionNotFound     = func(hint string) *Error { return New(http.StatusNotFound, "TransactionNotFound", hint) }
	ProposalLookupNotFound  = func(hint string) *Error { return New(http.StatusNotFound, "ProposalLookupNotFound", hint) }

	WireFeeCurrencyMismatch = func(hint string) *Error { return New(http.StatusConflict, "WireFeeCurrencyMismatch", hint) }
	ExchangeRejected        = func(hint string) *Error { return New(http.StatusPreconditionFailed, "ExchangeRejected", hint) }

	PaymentInsufficient          = func(hint string) *Error { return New(http.StatusNotAcceptable, "PaymentInsufficient", hint) }
	PaymentInsufficientDueToFees = func(hint string) *Error { return New(http.StatusNotAcceptable, "PaymentInsufficientDueToFees", hint) }
	FeesExceedPayment            = func(hint string) *Error { return New(http.StatusNotAcceptable, "FeesExceedPayment", hint) }

	AbortRefusedPaymentComplete = func(hint string) *Error { return New(http.StatusForbidden, "AbortRefusedPaymentComplete", hint) }

	ExchangeTimeout    = func(hint string) *Error { return New(http.StatusServiceUnavailable, "ExchangeTimeout", hint) }
	ExchangeUnreachable = func(hint string) *Error { return New(http.StatusServiceUnavailable, "ExchangeNotReachable", hint) }

	DatabaseHardError = func(hint string) *Error { return New(http.StatusInternalServerError, "DatabaseError", hint) }
	ProposalStoreDbError = func(hint string) *Error { return New(http.StatusInternalServerError, "ProposalStoreDbError", hint) }
	ProposalLookupDbError = func(hint string) *Error { return New(http.StatusInternalServerError, "ProposalLookupDbError", hint) }
	DbStorePayError = func(hint string) *Error { return New(http.StatusInternalServerError, "DbStorePayError", hint) }
	SignatureFailure = func(hint string) *Error { return New(http.StatusInternalServerError, "SignatureFailure", hint) }
	InternalLogicError = func(hint string) *Error { return New(http.StatusInternalServerError, "InternalLogicError", hint) }
)

// ExchangeError wraps an exchange's own non-200 reply: its
// status/code/body are forwarded
// unchanged under "exchange_reply" so the wallet or operator can
// diagnose the disagreement.
func ExchangeError(exchangeStatus int, exchangeCode string, body any) *Error {
	return WithDetails(http.StatusFailedDependency, "ExchangeError", "the exchange rejected the request", map[string]any{
		"exchange_reply": map[string]any{
			"status": exchangeStatus,
			"code":   exchangeCode,
			"body":   body,
		},
	})
}

// ConflictingReports packages two mutually-contradicting signed
// documents from the same exchange as
// irrefutable evidence of exchange self-contradiction.
func ConflictingReports(depositProof, transferProof any) *Error {
	return WithDetails(http.StatusFailedDependency, "ConflictingReports", "exchange reported inconsistent amounts for the same coin", map[string]any{
		"deposit_proof":  depositProof,
		"transfer_proof": transferProof,
	})
}

// BadWireFee packages the locally-signed expected wire fee bounds
// against the exchange's claimed fee.
func BadWireFee(expected, claimed any) *Error {
	return WithDetails(http.StatusInternalServerError, "BadWireFee", "exchange claimed a wire fee above the signed bound", map[string]any{
		"expected": expected,
		"claimed":  claimed,
	})
}
