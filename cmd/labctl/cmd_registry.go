package main

import (
	"github.com/spf13/cobra"

	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/persistence/indexdb"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
)

func (a *app) registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Compile bundle registries",
	}
	cmd.AddCommand(a.compileCmd("compile", "Write the ten registries and the lockfile (cache aware)"))
	return cmd
}

func (a *app) lockfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockfile",
		Short: "Build and check lockfiles",
	}
	cmd.AddCommand(
		a.compileCmd("build", "Alias of registry compile"),
		&cobra.Command{
			Use:   "validate <lockfile.json>",
			Short: "Schema and semantic check of a lockfile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				lf, payload, err := lockfile.Read(args[0])
				if lockfile.IsMissing(err) {
					var errs refusal.Errors
					errs.Add(refusal.BootLockfileMissing, args[0], "lockfile not found")
					return errs
				}
				if err != nil {
					return err
				}
				var errs refusal.Errors
				errs.Extend(a.validator().Validate("lockfile", payload, true))
				errs.Extend(lockfile.Validate(payload))
				if len(errs) > 0 {
					return errs.SortedByCode()
				}
				return writeComplete(a.stdout, obj{
					"bundle_id":      lf.BundleID,
					"pack_lock_hash": lf.PackLockHash,
					"resolved_packs": len(lf.ResolvedPacks),
				})
			},
		},
	)
	return cmd
}

func (a *app) compileCmd(use, short string) *cobra.Command {
	var bundleID, out string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = a.buildDir()
			}
			res, err := registry.Compile(cmd.Context(), registry.Options{
				Root:      a.root,
				BundleID:  bundleID,
				OutDir:    out,
				Cache:     a.cache(),
				Validator: a.validator(),
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}
			a.record(func(idx *indexdb.SQLiteIndex) error { return idx.RecordCompile(res) })
			return writeComplete(a.stdout, obj{
				"bundle_id":       res.BundleID,
				"pack_lock_hash":  res.PackLockHash,
				"registry_hashes": res.RegistryHashes,
				"cache_key":       res.CacheKey,
				"cache_hit":       res.CacheHit,
				"selection":       nonNilStrings(res.Selection),
				"lockfile_path":   res.LockfilePath,
			})
		},
	}
	cmd.Flags().StringVar(&bundleID, "bundle", "", "Bundle id")
	cmd.Flags().StringVar(&out, "out", "", "Build directory (default from labkit.yaml)")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}
