package canonical

import (
	"bytes"
	"testing"
)

func TestEncodeSortsObjectKeys(t *testing.T) {
	a := []byte(`{"b":1,"a":{"z":true,"y":"s"}}`)
	b := []byte(`{"a":{"y":"s","z":true},"b":1}`)

	ca, err := Encode(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cb, err := Encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("expected equal canonical forms, got %s vs %s", ca, cb)
	}
	want := `{"a":{"y":"s","z":true},"b":1}`
	if string(ca) != want {
		t.Fatalf("expected %s, got %s", want, ca)
	}
}

func TestEncodeIdempotent(t *testing.T) {
	raw := []byte(`{"columns":[{"id":"c1","name":"Todo"}],"cards":[],"labels":null}`)
	once, err := Encode(raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	twice, err := Encode(once)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Fatalf("canonical form not stable: %s vs %s", once, twice)
	}
}

func TestEncodePreservesSequenceOrder(t *testing.T) {
	a := []byte(`{"cards":[{"id":"1"},{"id":"2"}]}`)
	b := []byte(`{"cards":[{"id":"2"},{"id":"1"}]}`)
	if Equal(a, b) {
		t.Fatal("reordered sequence must change the canonical form")
	}
}

func TestEncodePreservesNumbers(t *testing.T) {
	raw := []byte(`{"order":1e21,"weight":0.10}`)
	out, err := Encode(raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"order":1e21,"weight":0.10}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}

func TestEqualRejectsMalformed(t *testing.T) {
	if Equal([]byte(`{`), []byte(`{`)) {
		t.Fatal("malformed input must not compare equal")
	}
}
