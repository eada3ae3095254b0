package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestMarshal_SortsKeysCompact(t *testing.T) {
	v := map[string]any{
		"b": 1,
		"a": []any{"x", map[string]any{"z": true, "y": nil}},
	}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"a":["x",{"y":null,"z":true}],"b":1}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestMarshal_StructFieldOrderIrrelevant(t *testing.T) {
	type ab struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	got, err := Marshal(ab{B: "2", A: "1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != `{"a":"1","b":"2"}` {
		t.Fatalf("unexpected: %s", got)
	}
}

func TestMarshal_NoHTMLEscape(t *testing.T) {
	got, err := Marshal(map[string]string{"k": "<a&b>"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != `{"k":"<a&b>"}` {
		t.Fatalf("unexpected: %s", got)
	}
}

func TestMarshalIndent_TrailingNewline(t *testing.T) {
	got, err := MarshalIndent(map[string]any{"b": []any{}, "a": 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := "{\n  \"a\": 1,\n  \"b\": []\n}\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
	back, err := Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h1, _ := Hash(back)
	h2, _ := Hash(map[string]any{"a": 1, "b": []any{}})
	if h1 != h2 {
		t.Fatalf("indent rendering changed the hash")
	}
}

func TestDecode_RejectsTrailingValues(t *testing.T) {
	if _, err := Decode([]byte(`{} {}`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMerkleRoot(t *testing.T) {
	empty, err := MerkleRoot(nil)
	if err != nil {
		t.Fatalf("merkle: %v", err)
	}
	if empty != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("empty root: %s", empty)
	}

	a := SHA256Hex([]byte("a"))
	b := SHA256Hex([]byte("b"))
	c := SHA256Hex([]byte("c"))

	single, _ := MerkleRoot([]string{a})
	if single != a {
		t.Fatalf("single leaf root should be the leaf")
	}

	pair := func(l, r string) string {
		lb, _ := hex.DecodeString(l)
		rb, _ := hex.DecodeString(r)
		sum := sha256.Sum256(append(lb, rb...))
		return hex.EncodeToString(sum[:])
	}
	three, _ := MerkleRoot([]string{a, b, c})
	want := pair(pair(a, b), pair(c, c))
	if three != want {
		t.Fatalf("odd leaf must be duplicated: got %s want %s", three, want)
	}

	if _, err := MerkleRoot([]string{"zz"}); err == nil {
		t.Fatalf("expected hex decode error")
	}
}

func TestStablePositiveInt(t *testing.T) {
	for _, s := range []string{"object.earth", "object.sun", ""} {
		v := StablePositiveInt(s, 1024)
		if v < 1 || v > 1024 {
			t.Fatalf("%q out of range: %d", s, v)
		}
		if v != StablePositiveInt(s, 1024) {
			t.Fatalf("not stable")
		}
	}
}

func TestIsHex64(t *testing.T) {
	if !IsHex64(SHA256Hex(nil)) {
		t.Fatalf("expected valid")
	}
	if IsHex64("ABC") || IsHex64(SHA256Hex(nil)[:63]+"G") {
		t.Fatalf("expected invalid")
	}
}
