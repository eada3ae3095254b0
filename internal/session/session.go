// Package session creates saves from a compiled bundle and boots them into a
// runnable, observed session.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
)

// File names inside saves/<save_id>/.
const (
	SpecFile     = "session_spec.json"
	IdentityFile = "universe_identity.json"
	StateFile    = "universe_state.json"
	RunMetaDir   = "run_meta"
)

// Schema names of the save records.
const (
	specSchema     = "session_spec"
	identitySchema = "universe_identity"
	stateSchema    = "universe_state"
	runMetaSchema  = "run_meta"
)

var saveIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// SavesDir is <root>/saves.
func SavesDir(root string) string { return filepath.Join(root, "saves") }

// SaveDir is the directory of one save.
func SaveDir(savesDir, saveID string) string { return filepath.Join(savesDir, saveID) }

// SpecPath is the session spec of one save.
func SpecPath(savesDir, saveID string) string { return filepath.Join(savesDir, saveID, SpecFile) }

// RunMetaPath is where the run-meta record of runID is written.
func RunMetaPath(saveDir, runID string) string {
	return filepath.Join(saveDir, RunMetaDir, runID+".json")
}

func checkSaveID(id string) error {
	if !saveIDPattern.MatchString(id) {
		return refusal.New(refusal.BootSessionSpecInvalid, fmt.Sprintf("save_id %q is not a valid directory name", id),
			"use lowercase letters, digits, dot, dash and underscore", "save_id", id)
	}
	return nil
}

// SaveInfo summarizes one save for listings.
type SaveInfo struct {
	SaveID       string   `json:"save_id"`
	BundleID     string   `json:"bundle_id"`
	ExperienceID string   `json:"experience_id"`
	PackLockHash string   `json:"pack_lock_hash"`
	Runs         []string `json:"runs"`
}

// ListSaves reads every save under savesDir, sorted by save_id. Directories
// without a readable session spec are skipped.
func ListSaves(savesDir string) ([]SaveInfo, error) {
	entries, err := os.ReadDir(savesDir)
	if os.IsNotExist(err) {
		return []SaveInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := []SaveInfo{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var spec model.SessionSpec
		raw, err := canon.ReadFile(filepath.Join(savesDir, e.Name(), SpecFile))
		if err != nil || canon.ConvertLoose(raw, &spec) != nil {
			continue
		}
		info := SaveInfo{SaveID: spec.SaveID, BundleID: spec.BundleID, ExperienceID: spec.ExperienceID, PackLockHash: spec.PackLockHash, Runs: []string{}}
		metas, _ := filepath.Glob(filepath.Join(savesDir, e.Name(), RunMetaDir, "*.json"))
		for _, m := range metas {
			base := filepath.Base(m)
			info.Runs = append(info.Runs, base[:len(base)-len(".json")])
		}
		sort.Strings(info.Runs)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaveID < out[j].SaveID })
	return out, nil
}
