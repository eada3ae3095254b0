package cache

import (
	"os"
	"path/filepath"
	"testing"

	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
)

func samplePacks() ([]*packs.Pack, []packs.Contribution) {
	a := &packs.Pack{Manifest: packs.Manifest{PackID: "pack.test.a", Version: "1.0.0"}, Raw: map[string]any{"pack_id": "pack.test.a"}}
	b := &packs.Pack{Manifest: packs.Manifest{PackID: "pack.test.b", Version: "1.0.0"}, Raw: map[string]any{"pack_id": "pack.test.b"}}
	contribs := []packs.Contribution{
		{PackID: "pack.test.b", Type: "lens", ID: "lens.b", Path: "b.json", Payload: map[string]any{"lens_id": "lens.b"}},
		{PackID: "pack.test.a", Type: "domain", ID: "domain.a", Path: "a.json", Payload: map[string]any{"domain_id": "domain.a"}},
	}
	return []*packs.Pack{a, b}, contribs
}

func TestKey_OrderIndependentAndSensitive(t *testing.T) {
	ps, cs := samplePacks()
	k1, err := Key(ps, cs, []string{"pack.test.b", "pack.test.a"}, "tool/1")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k2, err := Key([]*packs.Pack{ps[1], ps[0]}, []packs.Contribution{cs[1], cs[0]}, []string{"pack.test.a", "pack.test.b", "pack.test.a"}, "tool/1")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("key depends on input order: %s vs %s", k1, k2)
	}

	k3, _ := Key(ps, cs, []string{"pack.test.a", "pack.test.b"}, "tool/2")
	if k3 == k1 {
		t.Fatalf("tool version not part of key")
	}
	cs[0].Payload = map[string]any{"lens_id": "lens.b", "extra": true}
	k4, _ := Key(ps, cs, []string{"pack.test.a", "pack.test.b"}, "tool/1")
	if k4 == k1 {
		t.Fatalf("payload not part of key")
	}
}

func TestStore_PutRestoreAndTamper(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, ".cache"), nil)
	key := "ab" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"[:62]
	regs := map[string][]byte{"law.registry.json": []byte("{\"a\":1}\n"), "ui.registry.json": []byte("{\"b\":2}\n")}
	lock := []byte("{\"lockfile_version\":\"1.0.0\"}\n")

	if _, ok := s.Lookup(key); ok {
		t.Fatalf("empty store reported a hit")
	}
	if err := s.Put(key, "tool/1", Input{Key: key, BundleID: "bundle.test"}, regs, lock); err != nil {
		t.Fatalf("put: %v", err)
	}
	m, ok := s.Lookup(key)
	if !ok || len(m.Outputs) != 2 || m.Outputs[0].RelPath != "registries/law.registry.json" {
		t.Fatalf("lookup: %+v %v", m, ok)
	}

	regDir := filepath.Join(dir, "out", "registries")
	lockPath := filepath.Join(dir, "out", "lockfile.json")
	if _, err := s.Restore(key, regDir, lockPath); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(regDir, "ui.registry.json"))
	if err != nil || string(got) != string(regs["ui.registry.json"]) {
		t.Fatalf("restored bytes: %q %v", got, err)
	}

	if err := os.WriteFile(filepath.Join(s.Dir, key, OutputsDir, "lockfile.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err = s.Restore(key, filepath.Join(dir, "other"), filepath.Join(dir, "other", "lockfile.json"))
	if refusal.Code(err) != refusal.CacheOutputHashMismatch {
		t.Fatalf("expected %s, got %v", refusal.CacheOutputHashMismatch, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "other")); !os.IsNotExist(err) {
		t.Fatalf("refused restore wrote files")
	}

	keys, err := s.Entries()
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("entries: %v %v", keys, err)
	}
	n, err := s.Prune(nil)
	if err != nil || n != 1 {
		t.Fatalf("prune: %d %v", n, err)
	}
}
