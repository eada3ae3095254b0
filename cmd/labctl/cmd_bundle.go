package main

import (
	"github.com/spf13/cobra"

	"labkit.ai/internal/packs"
)

func (a *app) bundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect bundle profiles",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Bundle inventory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				bundles, errs, err := packs.ListBundles(a.root, a.validator())
				if err != nil {
					return err
				}
				if len(errs) > 0 {
					return errs
				}
				rows := make([]obj, 0, len(bundles))
				for _, b := range bundles {
					rows = append(rows, obj{
						"bundle_id":         b.BundleID,
						"description":       b.Description,
						"pack_ids":          nonNilStrings(b.PackIDs),
						"optional_pack_ids": nonNilStrings(b.OptionalPackIDs),
						"path":              b.Path,
					})
				}
				return writeComplete(a.stdout, obj{"bundles": rows})
			},
		},
		&cobra.Command{
			Use:   "validate <bundle.json>",
			Short: "Schema-validate a bundle profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := packs.ReadBundle(args[0], a.validator())
				if err != nil {
					return err
				}
				return writeComplete(a.stdout, obj{"bundle_id": b.BundleID, "path": args[0]})
			},
		},
	)
	return cmd
}
