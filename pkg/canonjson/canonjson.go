// Package canonjson implements the canonical JSON encoding and hashing
// used to compute h_proposal / h_contract_terms: object keys are sorted
// lexicographically and insignificant whitespace is stripped, so that
// the merchant and the wallet independently reproduce the same hash
// over the same logical document.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Encode returns the canonical byte representation of v: v is first
// round-tripped through encoding/json to a generic representation, then
// re-encoded with object keys sorted and no extraneous whitespace.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Hash returns the 32-byte blake2b digest of the canonical encoding of v.
// Wallets reproduce h_proposal / h_contract_terms by running the same
// two steps: canonicalize, then hash.
func Hash(v any) ([32]byte, error) {
	enc, err := Encode(v)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(enc), nil
}
