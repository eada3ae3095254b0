package dist

import (
	"context"

	"labkit.ai/internal/refusal"
)

// ReproResult pairs two builds of the same bundle.
type ReproResult struct {
	A, B *Result
}

// Repro builds the bundle into outA and outB and requires equal content and
// manifest hashes. The second build bypasses the cache. Both trees are
// validated afterwards.
func Repro(ctx context.Context, opts Options, outA, outB string) (*ReproResult, error) {
	a := opts
	a.OutDir = outA
	ra, err := Build(ctx, a)
	if err != nil {
		return nil, err
	}
	b := opts
	b.OutDir = outB
	b.Cache = nil
	rb, err := Build(ctx, b)
	if err != nil {
		return nil, err
	}

	var errs refusal.Errors
	if ra.Manifest.CanonicalContentHash != rb.Manifest.CanonicalContentHash {
		errs.Addf(refusal.DistNondeterministic, "canonical_content_hash", "%s vs %s", ra.Manifest.CanonicalContentHash, rb.Manifest.CanonicalContentHash)
	}
	if ra.ManifestHash != rb.ManifestHash {
		errs.Addf(refusal.DistNondeterministic, "manifest_hash", "%s vs %s", ra.ManifestHash, rb.ManifestHash)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	for _, dir := range []string{outA, outB} {
		if _, err := Validate(ctx, dir, opts.Validator); err != nil {
			return nil, err
		}
	}
	return &ReproResult{A: ra, B: rb}, nil
}
