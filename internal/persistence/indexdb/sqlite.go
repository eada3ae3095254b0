// Package indexdb keeps a sqlite read model of compiles, dist builds and
// runs. It is bookkeeping only: the files under build/, dist/ and saves/
// remain the source of truth and nothing here feeds a hash.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"labkit.ai/internal/dist"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/session"
	"labkit.ai/internal/srz"
)

// SchemaVersion is stored in the meta table.
const SchemaVersion = "1"

var errClosed = errors.New("indexdb: closed")

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	now    func() time.Time
}

type reqKind int

const (
	reqCompile reqKind = iota + 1
	reqDist
	reqRun
	reqSync
)

type req struct {
	kind reqKind

	compile CompileRow
	dist    DistRow
	run     RunRow
	anchors []srz.TickAnchor
	done    chan struct{}
}

// CompileRow is one registry compile.
type CompileRow struct {
	BundleID       string            `json:"bundle_id"`
	PackLockHash   string            `json:"pack_lock_hash"`
	CacheKey       string            `json:"cache_key"`
	CacheHit       bool              `json:"cache_hit"`
	Packs          int               `json:"packs"`
	RegistryHashes map[string]string `json:"registry_hashes"`
	RecordedAt     string            `json:"recorded_at"`
}

// DistRow is one dist build.
type DistRow struct {
	BundleID             string `json:"bundle_id"`
	OutDir               string `json:"out_dir"`
	PackLockHash         string `json:"pack_lock_hash"`
	ManifestHash         string `json:"manifest_hash"`
	CanonicalContentHash string `json:"canonical_content_hash"`
	Files                int    `json:"files"`
	CacheHit             bool   `json:"cache_hit"`
	RecordedAt           string `json:"recorded_at"`
}

// RunRow is one boot or scripted run.
type RunRow struct {
	RunID          string `json:"run_id"`
	SaveID         string `json:"save_id"`
	BundleID       string `json:"bundle_id"`
	ScriptID       string `json:"script_id,omitempty"`
	LensID         string `json:"lens_id"`
	StartTick      int64  `json:"start_tick"`
	StopTick       int64  `json:"stop_tick"`
	PackLockHash   string `json:"pack_lock_hash"`
	FinalStateHash string `json:"final_state_hash,omitempty"`
	CompositeHash  string `json:"composite_hash,omitempty"`
	Ticks          int    `json:"ticks"`
	RecordedAt     string `json:"recorded_at"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		ch:  make(chan req, 1024),
		now: func() time.Time { return time.Now().UTC() },
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS compiles (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			bundle_id TEXT NOT NULL,
			pack_lock_hash TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			cache_hit INTEGER NOT NULL,
			packs INTEGER NOT NULL,
			registry_hashes TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_compiles_bundle ON compiles(bundle_id, seq);`,
		`CREATE TABLE IF NOT EXISTS dist_builds (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			bundle_id TEXT NOT NULL,
			out_dir TEXT NOT NULL,
			pack_lock_hash TEXT NOT NULL,
			manifest_hash TEXT NOT NULL,
			canonical_content_hash TEXT NOT NULL,
			files INTEGER NOT NULL,
			cache_hit INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dist_builds_bundle ON dist_builds(bundle_id, seq);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			save_id TEXT NOT NULL,
			bundle_id TEXT NOT NULL,
			script_id TEXT NOT NULL,
			lens_id TEXT NOT NULL,
			start_tick INTEGER NOT NULL,
			stop_tick INTEGER NOT NULL,
			pack_lock_hash TEXT NOT NULL,
			final_state_hash TEXT NOT NULL,
			composite_hash TEXT NOT NULL,
			ticks INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_save ON runs(save_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS run_ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			tick_hash TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, SchemaVersion)
	return err
}

// Close drains pending writes and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) send(r req) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		return errClosed
	}
	s.ch <- r
	return nil
}

// RecordCompile queues a compile row.
func (s *SQLiteIndex) RecordCompile(res *registry.Result) error {
	if s == nil || res == nil {
		return nil
	}
	return s.send(req{kind: reqCompile, compile: CompileRow{
		BundleID:       res.BundleID,
		PackLockHash:   res.PackLockHash,
		CacheKey:       res.CacheKey,
		CacheHit:       res.CacheHit,
		Packs:          len(res.Selection),
		RegistryHashes: res.RegistryHashes,
		RecordedAt:     s.stamp(),
	}})
}

// RecordDist queues a dist build row.
func (s *SQLiteIndex) RecordDist(res *dist.Result) error {
	if s == nil || res == nil || res.Manifest == nil {
		return nil
	}
	return s.send(req{kind: reqDist, dist: DistRow{
		BundleID:             res.BundleID,
		OutDir:               res.OutDir,
		PackLockHash:         res.Manifest.PackLockHash,
		ManifestHash:         res.ManifestHash,
		CanonicalContentHash: res.Manifest.CanonicalContentHash,
		Files:                len(res.Manifest.FileHashes),
		CacheHit:             res.CacheHit,
		RecordedAt:           s.stamp(),
	}})
}

// RecordRun queues a run row. anchors may be nil for a plain boot.
func (s *SQLiteIndex) RecordRun(meta *session.RunMeta, anchors []srz.TickAnchor) error {
	if s == nil || meta == nil {
		return nil
	}
	row := RunRow{
		RunID:        meta.RunID,
		SaveID:       meta.SaveID,
		BundleID:     meta.BundleID,
		LensID:       meta.SelectedLensID,
		StartTick:    meta.StartTick,
		StopTick:     meta.StopTick,
		PackLockHash: meta.PackLockHash,
		Ticks:        len(anchors),
		RecordedAt:   s.stamp(),
	}
	if sc := meta.Script; sc != nil {
		row.ScriptID = sc.ScriptID
		row.FinalStateHash = sc.FinalStateHash
		row.CompositeHash = sc.CompositeHash
	}
	return s.send(req{kind: reqRun, run: row, anchors: anchors})
}

// Sync waits until every queued row is written.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	if err := s.send(req{kind: reqSync, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) stamp() string {
	return s.now().Format(time.RFC3339Nano)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	for r := range s.ch {
		if r.kind == reqSync {
			close(r.done)
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			continue
		}
		if err := apply(tx, r); err != nil {
			_ = tx.Rollback()
			continue
		}
		_ = tx.Commit()
	}
}

func apply(tx *sql.Tx, r req) error {
	switch r.kind {
	case reqCompile:
		c := r.compile
		hashes, _ := json.Marshal(c.RegistryHashes)
		_, err := tx.Exec(`INSERT INTO compiles(bundle_id,pack_lock_hash,cache_key,cache_hit,packs,registry_hashes,recorded_at) VALUES(?,?,?,?,?,?,?)`,
			c.BundleID, c.PackLockHash, c.CacheKey, c.CacheHit, c.Packs, string(hashes), c.RecordedAt)
		return err

	case reqDist:
		d := r.dist
		_, err := tx.Exec(`INSERT INTO dist_builds(bundle_id,out_dir,pack_lock_hash,manifest_hash,canonical_content_hash,files,cache_hit,recorded_at) VALUES(?,?,?,?,?,?,?,?)`,
			d.BundleID, d.OutDir, d.PackLockHash, d.ManifestHash, d.CanonicalContentHash, d.Files, d.CacheHit, d.RecordedAt)
		return err

	case reqRun:
		u := r.run
		if _, err := tx.Exec(`INSERT OR REPLACE INTO runs(run_id,save_id,bundle_id,script_id,lens_id,start_tick,stop_tick,pack_lock_hash,final_state_hash,composite_hash,ticks,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			u.RunID, u.SaveID, u.BundleID, u.ScriptID, u.LensID, u.StartTick, u.StopTick, u.PackLockHash, u.FinalStateHash, u.CompositeHash, u.Ticks, u.RecordedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM run_ticks WHERE run_id=?`, u.RunID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO run_ticks(run_id,tick,tick_hash) VALUES(?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, a := range r.anchors {
			if _, err := stmt.Exec(u.RunID, a.Tick, a.TickHash); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown request kind %d", r.kind)
}
