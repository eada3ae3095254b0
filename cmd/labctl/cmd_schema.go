package main

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/schema"
	"labkit.ai/schemas"
)

func (a *app) schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Check or install the schema set",
	}
	cmd.AddCommand(a.schemaCheckCmd(), a.schemaInstallCmd())
	return cmd
}

func (a *app) schemaCheckCmd() *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Meta-validate every schema, its version entry and its examples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var fsys fs.FS = schemas.FS
			source := "embedded"
			if !embedded {
				dir := filepath.Join(a.root, "schemas")
				fsys, source = os.DirFS(dir), dir
			}
			errs, err := schema.CheckSchemaSet(fsys)
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				return errs
			}
			names, err := schema.Names(fsys)
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{"source": source, "schemas": names})
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded", false, "Check the built-in schema set instead of <root>/schemas")
	return cmd
}

func (a *app) schemaInstallCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the built-in schema set into <root>/schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Join(a.root, "schemas")
			written, kept, err := installSchemas(dir, force)
			if err != nil {
				return err
			}
			a.logger.Info("schemas installed", "dir", dir, "written", len(written), "kept", len(kept))
			return writeComplete(a.stdout, obj{"dir": dir, "written": written, "kept": kept})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite files that differ from the built-in set")
	return cmd
}

// installSchemas copies the embedded schema files into dir. Existing files
// that differ are kept unless force is set.
func installSchemas(dir string, force bool) (written, kept []string, err error) {
	written, kept = []string{}, []string{}
	entries, err := fs.ReadDir(schemas.FS, ".")
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		name := e.Name()
		b, err := fs.ReadFile(schemas.FS, name)
		if err != nil {
			return nil, nil, err
		}
		dst := filepath.Join(dir, name)
		cur, err := os.ReadFile(dst)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, nil, err
		case bytes.Equal(cur, b):
			continue
		case !force:
			kept = append(kept, name)
			continue
		}
		if err := canon.WriteBytes(dst, b); err != nil {
			return nil, nil, err
		}
		written = append(written, name)
	}
	return written, kept, nil
}
