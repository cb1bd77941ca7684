package canonicalize

import (
	"strings"
	"testing"
)

func TestJCSKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	out, err := JCS(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":2,"b":1,"c":3}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalHashStable(t *testing.T) {
	v1 := map[string]any{"actor": "alice", "action": "deploy", "n": 1}
	v2 := map[string]any{"n": 1, "action": "deploy", "actor": "alice"}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ for structurally equal values: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("expected sha256: prefix, got %s", h1)
	}
}

func TestJCSRejectsUnserializable(t *testing.T) {
	if _, err := JCS(map[string]any{"f": func() {}}); err == nil {
		t.Fatal("expected error for unserializable value")
	}
}

func TestJCSStructTags(t *testing.T) {
	type req struct {
		Action string `json:"action"`
		Actor  string `json:"actor"`
	}
	out, err := JCSString(req{Action: "read", Actor: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"action":"read","actor":"bob"}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}
