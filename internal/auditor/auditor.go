// Package auditor implements the merchant's auditor trust set
// a read-only-after-startup list of auditors the
// merchant trusts to vouch for exchange denomination keys.
package auditor

import (
	"encoding/json"
	"fmt"
	"time"

	"merchantcore/internal/config"
)

// Auditor is a (name, URI, public key) tuple the merchant trusts.
type Auditor struct {
	Name      string `json:"name"`
	URI       string `json:"auditor_url"`
	PublicKey string `json:"auditor_pub"`
}

// DenominationKey is the subset of an exchange's denomination-key
// announcement the trust check needs.
type DenominationKey struct {
	Pub             string    // RSA public key, opaque to this package
	ExpireDeposit   time.Time
	AuditorVouchers []AuditorVoucher // auditors the exchange claims vouch for this key
}

// AuditorVoucher is one exchange-supplied claim that a named auditor
// vouches for a denomination key.
type AuditorVoucher struct {
	AuditorPub string
	DenomPub   string // must equal the DenominationKey.Pub it's attached to
}

// Verdict is the outcome of checking a denomination key against the
// trust set.
type Verdict int

const (
	Untrusted Verdict = iota
	Accept
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "Accept"
	case Expired:
		return "Expired"
	default:
		return "Untrusted"
	}
}

// TrustSet is the in-memory list of trusted auditors, built once at
// startup and never mutated afterward.
type TrustSet struct {
	auditors []Auditor
	byPub    map[string]Auditor
	jsonDoc  json.RawMessage // the trust set serialized once, for reuse in contracts
}

// Load builds a TrustSet from the merchant-auditor-<name> sections.
func Load(cfg *config.Config) (*TrustSet, error) {
	ts := &TrustSet{byPub: map[string]Auditor{}}
	for _, a := range cfg.Auditors {
		if a.Name == "" || a.URI == "" || a.PublicKey == "" {
			return nil, fmt.Errorf("config: merchant-auditor-%s missing NAME/URI/PUBLIC_KEY", a.Name)
		}
		aud := Auditor{Name: a.Name, URI: a.URI, PublicKey: a.PublicKey}
		ts.auditors = append(ts.auditors, aud)
		ts.byPub[aud.PublicKey] = aud
	}
	doc, err := json.Marshal(ts.auditors)
	if err != nil {
		return nil, fmt.Errorf("auditor: marshaling trust set: %w", err)
	}
	ts.jsonDoc = doc
	return ts, nil
}

// JSON returns the trust set as the JSON array published verbatim in
// signed contracts.
func (ts *TrustSet) JSON() json.RawMessage { return ts.jsonDoc }

// Trusts reports whether pub is a known, trusted auditor public key.
func (ts *TrustSet) Trusts(pub string) bool {
	_, ok := ts.byPub[pub]
	return ok
}

// CheckDenomination implements check_denomination:
//  1. an expired denomination key is always Expired, regardless of trust.
//  2. if the exchange itself is already trusted wholesale, Accept.
//  3. otherwise scan the exchange's own auditor list: if any auditor
//     named there is also in our trust set AND vouches for this exact
//     denomination key, Accept; else Untrusted.
func (ts *TrustSet) CheckDenomination(dk DenominationKey, exchangeTrusted bool, now time.Time) Verdict {
	if dk.ExpireDeposit.Before(now) {
		return Expired
	}
	if exchangeTrusted {
		return Accept
	}
	for _, voucher := range dk.AuditorVouchers {
		if voucher.DenomPub != dk.Pub {
			continue
		}
		if ts.Trusts(voucher.AuditorPub) {
			return Accept
		}
	}
	return Untrusted
}
