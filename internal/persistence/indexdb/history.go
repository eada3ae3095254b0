package indexdb

import (
	"context"
	"encoding/json"
)

// History is the launcher's read model, newest first.
type History struct {
	Compiles []CompileRow `json:"compiles"`
	Dists    []DistRow    `json:"dist_builds"`
	Runs     []RunRow     `json:"runs"`
}

// HistoryFilter narrows History. Zero values mean no filter.
type HistoryFilter struct {
	BundleID string
	SaveID   string
	Limit    int
}

// History queries the read model. Call Sync first to see rows queued by
// this process.
func (s *SQLiteIndex) History(ctx context.Context, f HistoryFilter) (*History, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	out := &History{Compiles: []CompileRow{}, Dists: []DistRow{}, Runs: []RunRow{}}

	rows, err := s.db.QueryContext(ctx, `SELECT bundle_id,pack_lock_hash,cache_key,cache_hit,packs,registry_hashes,recorded_at
		FROM compiles WHERE (?='' OR bundle_id=?) ORDER BY seq DESC LIMIT ?`, f.BundleID, f.BundleID, limit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c CompileRow
		var hashes string
		if err := rows.Scan(&c.BundleID, &c.PackLockHash, &c.CacheKey, &c.CacheHit, &c.Packs, &hashes, &c.RecordedAt); err != nil {
			rows.Close()
			return nil, err
		}
		_ = json.Unmarshal([]byte(hashes), &c.RegistryHashes)
		out.Compiles = append(out.Compiles, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT bundle_id,out_dir,pack_lock_hash,manifest_hash,canonical_content_hash,files,cache_hit,recorded_at
		FROM dist_builds WHERE (?='' OR bundle_id=?) ORDER BY seq DESC LIMIT ?`, f.BundleID, f.BundleID, limit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var d DistRow
		if err := rows.Scan(&d.BundleID, &d.OutDir, &d.PackLockHash, &d.ManifestHash, &d.CanonicalContentHash, &d.Files, &d.CacheHit, &d.RecordedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out.Dists = append(out.Dists, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT run_id,save_id,bundle_id,script_id,lens_id,start_tick,stop_tick,pack_lock_hash,final_state_hash,composite_hash,ticks,recorded_at
		FROM runs WHERE (?='' OR bundle_id=?) AND (?='' OR save_id=?) ORDER BY recorded_at DESC, run_id LIMIT ?`,
		f.BundleID, f.BundleID, f.SaveID, f.SaveID, limit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var u RunRow
		if err := rows.Scan(&u.RunID, &u.SaveID, &u.BundleID, &u.ScriptID, &u.LensID, &u.StartTick, &u.StopTick,
			&u.PackLockHash, &u.FinalStateHash, &u.CompositeHash, &u.Ticks, &u.RecordedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out.Runs = append(out.Runs, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RunTicks returns the tick anchors recorded for runID, ticks ascending.
func (s *SQLiteIndex) RunTicks(ctx context.Context, runID string) ([]int64, []string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,tick_hash FROM run_ticks WHERE run_id=? ORDER BY tick`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ticks []int64
	var hashes []string
	for rows.Next() {
		var t int64
		var h string
		if err := rows.Scan(&t, &h); err != nil {
			return nil, nil, err
		}
		ticks = append(ticks, t)
		hashes = append(hashes, h)
	}
	return ticks, hashes, rows.Err()
}
