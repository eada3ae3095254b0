// Package ticklog persists scheduler runs as zstd compressed JSONL with
// compressed checkpoint snapshots, and reads them back for replay.
package ticklog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"labkit.ai/internal/model"
	"labkit.ai/internal/srz"
)

const (
	logSuffix      = ".jsonl.zst"
	snapshotSuffix = ".json.zst"
	pendingPrefix  = ".pending-"
)

// Header is the first line of every tick log.
type Header struct {
	Kind           string            `json:"kind"`
	SaveID         string            `json:"save_id"`
	ScriptID       string            `json:"script_id"`
	ShardID        string            `json:"shard_id"`
	StartTick      int64             `json:"start_tick"`
	PackLockHash   string            `json:"pack_lock_hash"`
	RegistryHashes map[string]string `json:"registry_hashes"`
}

// Line is one committed batch.
type Line struct {
	Kind             string         `json:"kind"`
	Tick             int64          `json:"tick"`
	StateTick        int64          `json:"state_tick"`
	SnapshotHash     string         `json:"snapshot_hash"`
	StateHash        string         `json:"state_hash"`
	ProcessLogLength int            `json:"process_log_length"`
	TickHash         string         `json:"tick_hash"`
	CompositeHash    string         `json:"composite_hash"`
	CheckpointHash   string         `json:"checkpoint_hash,omitempty"`
	Accepted         []srz.Decision `json:"accepted"`
	Dropped          []srz.Decision `json:"dropped"`
}

// Checkpoint is the stored form of a checkpoint snapshot.
type Checkpoint struct {
	Tick           int64                `json:"tick"`
	CheckpointHash string               `json:"checkpoint_hash"`
	StateHash      string               `json:"state_hash"`
	State          *model.UniverseState `json:"state"`
}

// LogPath is where the tick log of runID lives under a save directory.
func LogPath(saveDir, runID string) string {
	return filepath.Join(saveDir, "ticks", runID+logSuffix)
}

// CheckpointDir holds the checkpoint snapshots of runID.
func CheckpointDir(saveDir, runID string) string {
	return filepath.Join(saveDir, "checkpoints", runID)
}

// Writer is a srz.TickSink. The run id is derived from the finished run, so
// records go to pending files until Commit names them.
type Writer struct {
	mu sync.Mutex

	saveDir string
	token   string
	header  Header

	f     *os.File
	zw    *zstd.Encoder
	bw    *bufio.Writer
	lines int
	cps   []int64
	err   error
}

// NewWriter opens a pending tick log under saveDir.
func NewWriter(saveDir string, h Header) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(saveDir, "ticks"), 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Join(saveDir, "ticks"), pendingPrefix+"*"+logSuffix)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	name := filepath.Base(f.Name())
	w := &Writer{
		saveDir: saveDir,
		token:   strings.TrimSuffix(strings.TrimPrefix(name, pendingPrefix), logSuffix),
		header:  h,
		f:       f,
		zw:      zw,
		bw:      bufio.NewWriterSize(zw, 128*1024),
	}
	w.header.Kind = "header"
	if w.header.ShardID == "" {
		w.header.ShardID = model.ShardID
	}
	if w.header.RegistryHashes == nil {
		w.header.RegistryHashes = map[string]string{}
	}
	if err := w.writeLocked(w.header); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// WriteTick appends rec and stores a snapshot when rec closes a checkpoint.
func (w *Writer) WriteTick(rec srz.TickRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.f == nil {
		return errors.New("ticklog: writer closed")
	}
	line := Line{
		Kind:           "tick",
		Tick:           rec.Tick,
		SnapshotHash:   rec.SnapshotHash,
		StateHash:      rec.StateHash,
		TickHash:       rec.TickHash,
		CompositeHash:  rec.CompositeHash,
		CheckpointHash: rec.CheckpointHash,
		Accepted:       rec.Accepted,
		Dropped:        rec.Dropped,
	}
	if rec.State != nil {
		line.StateTick = rec.State.Tick
		line.ProcessLogLength = len(rec.State.ProcessLog)
	}
	if err := w.writeLocked(line); err != nil {
		w.err = err
		return err
	}
	if rec.CheckpointHash != "" && rec.State != nil {
		cp := Checkpoint{Tick: rec.Tick, CheckpointHash: rec.CheckpointHash, StateHash: rec.StateHash, State: rec.State}
		if err := writeSnapshot(w.pendingCheckpointPath(rec.Tick), cp); err != nil {
			w.err = err
			return err
		}
		w.cps = append(w.cps, rec.Tick)
	}
	w.lines++
	return nil
}

func (w *Writer) writeLocked(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

// Lines reports how many tick lines were written.
func (w *Writer) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Commit closes the log and moves it, with its checkpoints, under runID.
func (w *Writer) Commit(runID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.closeLocked(); err != nil {
		w.removePendingLocked()
		return "", err
	}
	if w.err != nil {
		w.removePendingLocked()
		return "", w.err
	}
	dst := LogPath(w.saveDir, runID)
	if err := os.Rename(w.pendingLogPath(), dst); err != nil {
		return "", err
	}
	if len(w.cps) > 0 {
		dir := CheckpointDir(w.saveDir, runID)
		if err := os.RemoveAll(dir); err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		for _, tick := range w.cps {
			if err := os.Rename(w.pendingCheckpointPath(tick), filepath.Join(dir, snapshotName(tick))); err != nil {
				return "", err
			}
		}
		_ = os.Remove(filepath.Dir(w.pendingCheckpointPath(0)))
	}
	return dst, nil
}

// Abort drops everything written so far.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.closeLocked()
	w.removePendingLocked()
}

func (w *Writer) closeLocked() error {
	if w.f == nil {
		return nil
	}
	var first error
	if err := w.bw.Flush(); err != nil {
		first = err
	}
	if err := w.zw.Close(); err != nil && first == nil {
		first = err
	}
	if err := w.f.Close(); err != nil && first == nil {
		first = err
	}
	w.f, w.zw, w.bw = nil, nil, nil
	return first
}

func (w *Writer) removePendingLocked() {
	_ = os.Remove(w.pendingLogPath())
	_ = os.RemoveAll(filepath.Dir(w.pendingCheckpointPath(0)))
}

func (w *Writer) pendingLogPath() string {
	return filepath.Join(w.saveDir, "ticks", pendingPrefix+w.token+logSuffix)
}

func (w *Writer) pendingCheckpointPath(tick int64) string {
	return filepath.Join(w.saveDir, "checkpoints", pendingPrefix+w.token, snapshotName(tick))
}

func snapshotName(tick int64) string {
	return strconv.FormatInt(tick, 10) + snapshotSuffix
}

func writeSnapshot(path string, cp Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(enc).Encode(cp); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadSnapshot decodes one checkpoint snapshot.
func ReadSnapshot(path string) (Checkpoint, error) {
	var cp Checkpoint
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, err
	}
	defer dec.Close()
	if err := json.NewDecoder(dec).Decode(&cp); err != nil {
		return cp, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if cp.State != nil {
		cp.State.Fill()
	}
	return cp, nil
}

// Log is a decoded tick log.
type Log struct {
	Header Header
	Lines  []Line
}

// Read decodes a tick log.
func Read(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return decode(dec, filepath.Base(path))
}

func decode(r io.Reader, name string) (*Log, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	out := &Log{}
	n := 0
	for sc.Scan() {
		n++
		b := sc.Bytes()
		if n == 1 {
			if err := json.Unmarshal(b, &out.Header); err != nil || out.Header.Kind != "header" {
				return nil, fmt.Errorf("%s: missing header", name)
			}
			continue
		}
		var l Line
		if err := json.Unmarshal(b, &l); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, n, err)
		}
		if l.Kind != "tick" {
			return nil, fmt.Errorf("%s:%d: unexpected kind %q", name, n, l.Kind)
		}
		out.Lines = append(out.Lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: empty log", name)
	}
	return out, nil
}

// Checkpoints lists the snapshot paths of runID, ticks ascending.
func Checkpoints(saveDir, runID string) ([]string, error) {
	dir := CheckpointDir(saveDir, runID)
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	type row struct {
		tick int64
		path string
	}
	var rows []row
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotSuffix) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		tick, err := TickOf(p)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", e.Name(), err)
		}
		rows = append(rows, row{tick, p})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].tick < rows[j].tick })
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.path)
	}
	return out, nil
}

// TickOf parses the tick from a snapshot file name.
func TickOf(path string) (int64, error) {
	return strconv.ParseInt(strings.TrimSuffix(filepath.Base(path), snapshotSuffix), 10, 64)
}
