package main

import (
	"github.com/spf13/cobra"

	"labkit.ai/internal/packs"
)

func (a *app) packCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Inspect discovered packs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Deterministic pack inventory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				inv, err := packs.Load(cmd.Context(), a.root, packs.LoadOptions{Validator: a.validator(), Logger: a.logger})
				if err != nil {
					return err
				}
				rows := make([]obj, 0, len(inv.Packs))
				for _, p := range inv.Packs {
					rows = append(rows, obj{
						"pack_id":          p.PackID,
						"version":          p.Version,
						"category":         p.Category,
						"manifest_path":    p.ManifestPath,
						"dependencies":     nonNilStrings(p.Dependencies),
						"signature_status": p.SignatureStatus,
						"contributions":    len(p.Contributions),
						"content_hash":     p.ContentHash,
					})
				}
				if err := inv.Err(); err != nil {
					return err
				}
				return writeComplete(a.stdout, obj{"packs": rows})
			},
		},
		&cobra.Command{
			Use:   "verify-hash",
			Short: "Compare each pack's declared canonical_hash with its content hash",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				inv, err := packs.Load(cmd.Context(), a.root, packs.LoadOptions{Validator: a.validator(), Logger: a.logger})
				if err != nil {
					return err
				}
				if err := inv.Err(); err != nil {
					return err
				}
				rows, errs := packs.VerifyHashes(inv)
				if len(errs) > 0 {
					return errs
				}
				return writeComplete(a.stdout, obj{"packs": rows})
			},
		},
	)
	return cmd
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
