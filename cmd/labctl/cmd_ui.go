package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/uihost"
)

func (a *app) uiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Drive the headless UI host of a save",
	}
	cmd.AddCommand(a.uiWindowsCmd(), a.uiDispatchCmd())
	return cmd
}

func (a *app) uiWindowsCmd() *cobra.Command {
	var spec, distDir, lens string
	cmd := &cobra.Command{
		Use:   "windows",
		Short: "Gate every registered window and resolve its bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.boot(cmd.Context(), a.specArg(spec), distDir, lens)
			if err != nil {
				return err
			}
			h := uihost.New(s, a.logger)
			views, err := h.AvailableWindows()
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{"save_id": s.Spec.SaveID, "windows": views, "tool_log": h.ToolLog()})
		},
	}
	cmd.Flags().StringVar(&spec, "session", "", "Save id or session spec path")
	cmd.Flags().StringVar(&distDir, "dist", "", "Dist directory")
	cmd.Flags().StringVar(&lens, "lens", "", "Lens override")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) uiDispatchCmd() *cobra.Command {
	var (
		spec, distDir, lens  string
		window, widget       string
		selection, overrides []string
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Fire a widget action through the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := parsePairs(selection)
			if err != nil {
				return err
			}
			vals, err := parsePairs(overrides)
			if err != nil {
				return err
			}
			s, err := a.boot(cmd.Context(), a.specArg(spec), distDir, lens)
			if err != nil {
				return err
			}
			h := uihost.New(s, a.logger)
			d, err := h.Dispatch(cmd.Context(), uihost.Action{WindowID: window, WidgetID: widget, Widget: vals, Selection: sel})
			if err != nil {
				return err
			}
			logHash, err := h.ToolLogHash()
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{
				"process_id":       d.ProcessID,
				"inputs":           d.Inputs,
				"tick":             h.State().Tick,
				"final_state_hash": d.Run.FinalStateHash,
				"composite_hash":   d.Run.CompositeHash,
				"tool_log":         h.ToolLog(),
				"tool_log_hash":    logHash,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec, "session", "", "Save id or session spec path")
	f.StringVar(&distDir, "dist", "", "Dist directory")
	f.StringVar(&lens, "lens", "", "Lens override")
	f.StringVar(&window, "window", "", "Window id")
	f.StringVar(&widget, "widget", "", "Widget id")
	f.StringArrayVar(&selection, "selection", nil, "Selection key=value (repeatable)")
	f.StringArrayVar(&overrides, "value", nil, "Widget value key=value (repeatable)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("window")
	_ = cmd.MarkFlagRequired("widget")
	return cmd
}

// parsePairs reads key=value flags. Values that parse as JSON keep their
// type; anything else is a string.
func parsePairs(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		if decoded, err := canon.Decode([]byte(v)); err == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out, nil
}
