package canonjson

import "testing"

func TestEncodeSortsKeysAndStripsWhitespace(t *testing.T) {
	in := map[string]any{"b": 1, "a": map[string]any{"z": 2, "y": 3}}
	got, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"y":3,"z":2},"b":1}`
	if string(got) != want {
		t.Errorf("Encode = %s, want %s", got, want)
	}
}

func TestHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"amount": "CUR:5", "order_id": "o-1"}
	b := map[string]any{"order_id": "o-1", "amount": "CUR:5"}
	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("hash should be independent of Go map iteration / field order")
	}
}
