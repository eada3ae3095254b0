package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/dist"
	"labkit.ai/internal/labtest"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/session"
	"labkit.ai/internal/srz"
)

func TestSQLiteIndex_RecordsPipeline(t *testing.T) {
	ctx := context.Background()
	repo := labtest.NewRepo(t)
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	idx.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	store := cache.New(repo.Path(".cache"), nil)
	comp, err := registry.Compile(ctx, registry.Options{Root: repo.Root, BundleID: labtest.BundleID, OutDir: repo.Path("build"), Cache: store})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := idx.RecordCompile(comp); err != nil {
		t.Fatalf("RecordCompile: %v", err)
	}
	built, err := dist.Build(ctx, dist.Options{Root: repo.Root, BundleID: labtest.BundleID, OutDir: repo.Path("dist"), Cache: store})
	if err != nil {
		t.Fatalf("dist: %v", err)
	}
	if err := idx.RecordDist(built); err != nil {
		t.Fatalf("RecordDist: %v", err)
	}

	meta := &session.RunMeta{
		RunID: "run.0001", SaveID: "save.a", BundleID: labtest.BundleID, SelectedLensID: labtest.DiegeticLens,
		StartTick: 0, StopTick: 3, PackLockHash: comp.PackLockHash,
		Script: &session.ScriptSummary{ScriptID: "script.x", FinalStateHash: "f", CompositeHash: "c"},
	}
	anchors := []srz.TickAnchor{{Tick: 0, TickHash: "h0"}, {Tick: 1, TickHash: "h1"}}
	if err := idx.RecordRun(meta, anchors); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	boot := &session.RunMeta{RunID: "run.0002", SaveID: "save.b", BundleID: labtest.BundleID, SelectedLensID: labtest.DiegeticLens}
	if err := idx.RecordRun(boot, nil); err != nil {
		t.Fatalf("RecordRun boot: %v", err)
	}
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	h, err := idx.History(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h.Compiles) != 1 || h.Compiles[0].PackLockHash != comp.PackLockHash || len(h.Compiles[0].RegistryHashes) != len(comp.RegistryHashes) {
		t.Fatalf("compiles: %+v", h.Compiles)
	}
	if len(h.Dists) != 1 || h.Dists[0].ManifestHash != built.ManifestHash || h.Dists[0].Files != len(built.Manifest.FileHashes) {
		t.Fatalf("dists: %+v", h.Dists)
	}
	if len(h.Runs) != 2 || h.Runs[0].RunID != "run.0002" || h.Runs[1].Ticks != 2 || h.Runs[1].ScriptID != "script.x" {
		t.Fatalf("runs: %+v", h.Runs)
	}

	h, err = idx.History(ctx, HistoryFilter{SaveID: "save.a"})
	if err != nil || len(h.Runs) != 1 {
		t.Fatalf("filtered runs: %+v %v", h, err)
	}
	h, err = idx.History(ctx, HistoryFilter{BundleID: "bundle.other"})
	if err != nil || len(h.Compiles)+len(h.Dists)+len(h.Runs) != 0 {
		t.Fatalf("other bundle: %+v %v", h, err)
	}

	ticks, hashes, err := idx.RunTicks(ctx, "run.0001")
	if err != nil || len(ticks) != 2 || hashes[1] != "h1" {
		t.Fatalf("run ticks: %v %v %v", ticks, hashes, err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.RecordRun(meta, nil); err == nil {
		t.Fatalf("expected error after close")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var v string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&v); err != nil || v != SchemaVersion {
		t.Fatalf("schema_version=%q err=%v", v, err)
	}
}

func TestSQLiteIndex_RerunReplacesTicks(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	meta := &session.RunMeta{RunID: "run.x", SaveID: "save.a", BundleID: labtest.BundleID}
	_ = idx.RecordRun(meta, []srz.TickAnchor{{Tick: 0, TickHash: "a"}, {Tick: 1, TickHash: "b"}, {Tick: 2, TickHash: "c"}})
	_ = idx.RecordRun(meta, []srz.TickAnchor{{Tick: 0, TickHash: "a"}})
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	ticks, _, err := idx.RunTicks(ctx, "run.x")
	if err != nil || len(ticks) != 1 {
		t.Fatalf("ticks after rerun: %v %v", ticks, err)
	}
	h, _ := idx.History(ctx, HistoryFilter{})
	if len(h.Runs) != 1 || h.Runs[0].Ticks != 1 {
		t.Fatalf("runs: %+v", h.Runs)
	}

	var nilIdx *SQLiteIndex
	if err := nilIdx.RecordCompile(&registry.Result{}); err != nil {
		t.Fatalf("nil index should ignore rows: %v", err)
	}
}
