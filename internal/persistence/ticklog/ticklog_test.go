package ticklog_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"labkit.ai/internal/labtest"
	"labkit.ai/internal/model"
	"labkit.ai/internal/persistence/ticklog"
	"labkit.ai/internal/schema"
	"labkit.ai/internal/session"
	"labkit.ai/internal/srz"
	"labkit.ai/schemas"
)

func recordedRun(t *testing.T, mod func(*session.ScriptOptions)) (*session.Session, *session.ScriptRun) {
	t.Helper()
	repo := labtest.NewRepo(t)
	c, err := session.Create(context.Background(), session.CreateOptions{
		Root: repo.Root, SaveID: "save.ticks", BundleID: labtest.BundleID, Entitlements: labtest.Entitlements,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err := session.Boot(context.Background(), session.BootOptions{SpecPath: c.SpecPath, BuildDir: repo.Path("build")})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	sc, err := srz.ReadScript(labtest.WriteScript(t, t.TempDir(), labtest.Scenario5Script()), schema.NewFS(schemas.FS))
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	opts := session.ScriptOptions{RecordTicks: true}
	if mod != nil {
		mod(&opts)
	}
	run, err := s.RunScript(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return s, run
}

func TestRecordedRun_ReadAndVerify(t *testing.T) {
	s, run := recordedRun(t, func(o *session.ScriptOptions) { o.CheckpointInterval = 1 })
	if run.TickLog != ticklog.LogPath(s.SaveDir, run.Meta.RunID) {
		t.Fatalf("tick log path %q", run.TickLog)
	}

	lg, err := ticklog.Read(run.TickLog)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lg.Header.ScriptID != "script.lab.scenario5" || lg.Header.PackLockHash != s.Lockfile.PackLockHash {
		t.Fatalf("header: %+v", lg.Header)
	}
	if len(lg.Lines) != 3 {
		t.Fatalf("lines: %d", len(lg.Lines))
	}
	lastLine := lg.Lines[len(lg.Lines)-1]
	if lastLine.CompositeHash != run.Result.CompositeHash || lastLine.StateHash != run.Result.FinalStateHash {
		t.Fatalf("last line: %+v", lastLine)
	}

	cps, err := ticklog.Checkpoints(s.SaveDir, run.Meta.RunID)
	if err != nil || len(cps) != 3 {
		t.Fatalf("checkpoints: %v %v", cps, err)
	}
	cp, err := ticklog.ReadSnapshot(cps[2])
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if tick, _ := ticklog.TickOf(cps[2]); tick != cp.Tick {
		t.Fatalf("name tick %d, snapshot tick %d", tick, cp.Tick)
	}
	cam, _ := cp.State.Camera(model.MainCamera)
	if cam == nil || cam.FrameID != "frame.earth_fixed" {
		t.Fatalf("snapshot camera: %+v", cam)
	}

	rep, err := ticklog.Verify(s.SaveDir, run.Meta.RunID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Ticks != 3 || rep.Checkpoints != 3 || rep.CompositeHash != run.Result.CompositeHash {
		t.Fatalf("report: %+v", rep)
	}

	pending, _ := filepath.Glob(filepath.Join(s.SaveDir, "ticks", ".pending-*"))
	if len(pending) != 0 {
		t.Fatalf("pending files left: %v", pending)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	s, run := recordedRun(t, nil)
	cps, _ := ticklog.Checkpoints(s.SaveDir, run.Meta.RunID)
	if len(cps) != 1 {
		t.Fatalf("checkpoints at interval 2: %v", cps)
	}

	rewrite(t, run.TickLog, func(line map[string]any) {
		if line["kind"] == "tick" && line["tick"] == json.Number("1") {
			line["state_hash"] = strings.Repeat("0", 64)
		}
	})
	if _, err := ticklog.Verify(s.SaveDir, run.Meta.RunID); err == nil {
		t.Fatalf("expected verify to fail on an edited state hash")
	}
}

func TestVerify_DetectsMissingSnapshot(t *testing.T) {
	s, run := recordedRun(t, nil)
	cps, _ := ticklog.Checkpoints(s.SaveDir, run.Meta.RunID)
	if err := os.Remove(cps[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := ticklog.Verify(s.SaveDir, run.Meta.RunID); err == nil {
		t.Fatalf("expected verify to fail without its snapshot")
	}
}

func TestWriter_AbortRemovesPending(t *testing.T) {
	dir := t.TempDir()
	w, err := ticklog.NewWriter(dir, ticklog.Header{SaveID: "save.x"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	st := model.NewState(model.CameraState{AssemblyID: model.MainCamera})
	if err := w.WriteTick(srz.TickRecord{Tick: 0, CheckpointHash: "cp", State: st}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Abort()
	for _, sub := range []string{"ticks", "checkpoints"} {
		ents, _ := os.ReadDir(filepath.Join(dir, sub))
		if len(ents) != 0 {
			t.Fatalf("%s not cleaned: %v", sub, ents)
		}
	}
	if err := w.WriteTick(srz.TickRecord{}); err == nil {
		t.Fatalf("expected write after abort to fail")
	}
}

func rewrite(t *testing.T, path string, edit func(map[string]any)) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	var lines []map[string]any
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		d := json.NewDecoder(strings.NewReader(sc.Text()))
		d.UseNumber()
		var m map[string]any
		if err := d.Decode(&m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		edit(m)
		lines = append(lines, m)
	}
	dec.Close()
	_ = f.Close()

	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, _ := zstd.NewWriter(out)
	for _, m := range lines {
		b, _ := json.Marshal(m)
		_, _ = enc.Write(append(b, '\n'))
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = out.Close()
}
