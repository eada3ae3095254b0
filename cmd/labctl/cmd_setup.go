package main

import (
	"github.com/spf13/cobra"

	"labkit.ai/internal/config"
	"labkit.ai/internal/dist"
	"labkit.ai/internal/persistence/indexdb"
)

func (a *app) setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Build and verify dist trees",
	}
	cmd.AddCommand(a.setupBuildCmd(), a.setupVerifyCmd(), a.setupReproCmd())
	return cmd
}

func (a *app) distOptions(bundleID string) dist.Options {
	return dist.Options{
		Root:      a.root,
		BundleID:  bundleID,
		BuildDir:  a.buildDir(),
		Cache:     a.cache(),
		Validator: a.validator(),
		Logger:    a.logger,
	}
}

func distFields(res *dist.Result) obj {
	return obj{
		"bundle_id":              res.BundleID,
		"out":                    res.OutDir,
		"cache_hit":              res.CacheHit,
		"cache_key":              res.CacheKey,
		"manifest_hash":          res.ManifestHash,
		"pack_lock_hash":         res.Manifest.PackLockHash,
		"canonical_content_hash": res.Manifest.CanonicalContentHash,
		"registry_hash_chain":    res.Manifest.RegistryHashChain,
		"file_count":             len(res.Manifest.FileHashes),
	}
}

func (a *app) setupBuildCmd() *cobra.Command {
	var bundleID, out string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a dist tree for a bundle and validate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.distOptions(bundleID)
			opts.OutDir = config.Resolve(a.root, out)
			res, err := dist.Build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if _, err := dist.Validate(cmd.Context(), res.OutDir, opts.Validator); err != nil {
				return err
			}
			a.record(func(idx *indexdb.SQLiteIndex) error { return idx.RecordDist(res) })
			return writeComplete(a.stdout, distFields(res))
		},
	}
	cmd.Flags().StringVar(&bundleID, "bundle", "", "Bundle id")
	cmd.Flags().StringVar(&out, "out", "dist", "Dist output directory")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func (a *app) setupVerifyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate an existing dist tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := dist.Validate(cmd.Context(), config.Resolve(a.root, dir), a.validator())
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{
				"dist":                   rep.Dir,
				"bundle_id":              rep.Manifest.BundleID,
				"manifest_hash":          rep.ManifestHash,
				"pack_lock_hash":         rep.Manifest.PackLockHash,
				"canonical_content_hash": rep.Manifest.CanonicalContentHash,
				"file_count":             len(rep.Manifest.FileHashes),
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dist", "dist", "Dist directory")
	return cmd
}

func (a *app) setupReproCmd() *cobra.Command {
	var bundleID, outA, outB string
	cmd := &cobra.Command{
		Use:   "repro",
		Short: "Build a bundle twice and require identical dist hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dist.Repro(cmd.Context(), a.distOptions(bundleID), config.Resolve(a.root, outA), config.Resolve(a.root, outB))
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{
				"bundle_id":              bundleID,
				"a":                      distFields(res.A),
				"b":                      distFields(res.B),
				"canonical_content_hash": res.A.Manifest.CanonicalContentHash,
				"manifest_hash":          res.A.ManifestHash,
			})
		},
	}
	cmd.Flags().StringVar(&bundleID, "bundle", "", "Bundle id")
	cmd.Flags().StringVar(&outA, "out-a", "dist.a", "First dist directory")
	cmd.Flags().StringVar(&outB, "out-b", "dist.b", "Second dist directory")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}
