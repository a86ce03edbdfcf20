package canonical_test

import (
	"testing"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/canonical"
)

func TestMarshalSortedKeys(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	ca, err := canonical.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a) error: %v", err)
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b) error: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical outputs differ:\nA: %s\nB: %s", ca, cb)
	}
}

func TestContentHashOrderInsensitive(t *testing.T) {
	h1, err := canonical.ContentHash(map[string]interface{}{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("ContentHash error: %v", err)
	}
	h2, err := canonical.ContentHash(map[string]interface{}{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("ContentHash error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hashes, got %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestDecodePreservesNumberLiterals(t *testing.T) {
	v, err := canonical.Decode([]byte(`{"n":123456789012345}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	b, err := canonical.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(b) != `{"n":123456789012345}` {
		t.Fatalf("unexpected canonical form: %s", b)
	}
}

func TestMarshalNoWhitespace(t *testing.T) {
	b, err := canonical.Marshal(map[string]interface{}{"a": []interface{}{1, 2, 3}})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"a":[1,2,3]}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}
