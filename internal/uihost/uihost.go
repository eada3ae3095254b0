// Package uihost is a headless host for descriptor-driven UI windows. It
// gates windows against the session's law and authority, binds widget data
// to the perceived model and commits widget actions through the scheduler.
package uihost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/observe"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/selector"
	"labkit.ai/internal/session"
	"labkit.ai/internal/srz"
)

// Tool log events and results.
const (
	EventGate     = "gate"
	EventDispatch = "dispatch"

	ResultAllowed  = "allowed"
	ResultRefused  = "refused"
	ResultComplete = "complete"
)

// strippable placeholders are dropped from a payload when they resolve empty.
var strippable = map[string]bool{"target_object_id": true, "target_site_id": true}

// ToolLogEntry is one deterministic host event.
type ToolLogEntry struct {
	Seq        int64  `json:"seq"`
	Tick       int64  `json:"tick"`
	Event      string `json:"event"`
	WindowID   string `json:"window_id"`
	WidgetID   string `json:"widget_id,omitempty"`
	ProcessID  string `json:"process_id,omitempty"`
	Result     string `json:"result"`
	ReasonCode string `json:"reason_code,omitempty"`
	StateHash  string `json:"state_hash,omitempty"`
}

// WidgetView is a widget with its data bindings resolved.
type WidgetView struct {
	WidgetID   string         `json:"widget_id"`
	WidgetType string         `json:"widget_type"`
	Bindings   map[string]any `json:"bindings"`
	Actionable bool           `json:"actionable"`
}

// WindowView is the gate outcome of one window.
type WindowView struct {
	WindowID   string       `json:"window_id"`
	Title      string       `json:"title"`
	Available  bool         `json:"available"`
	ReasonCode string       `json:"reason_code,omitempty"`
	Widgets    []WidgetView `json:"widgets"`
}

// Action asks a widget to fire. Widget values override the widget's own
// bindings; Selection carries the caller's current pick.
type Action struct {
	WindowID  string
	WidgetID  string
	Widget    map[string]any
	Selection map[string]any
}

// Dispatched is a committed widget action.
type Dispatched struct {
	ProcessID string         `json:"process_id"`
	Inputs    map[string]any `json:"inputs"`
	Run       *srz.Result    `json:"run"`
}

// Host drives the UI registry of a booted session. Committed actions advance
// the host's own copy of the state; the session is not modified.
type Host struct {
	s      *session.Session
	state  *model.UniverseState
	log    []ToolLogEntry
	logger *slog.Logger
}

// New returns a host starting from the session's booted state.
func New(s *session.Session, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Host{s: s, state: s.State, log: []ToolLogEntry{}, logger: logger}
}

// State is the host's current universe state.
func (h *Host) State() *model.UniverseState { return h.state }

// ToolLog returns a copy of the tool log.
func (h *Host) ToolLog() []ToolLogEntry { return append([]ToolLogEntry(nil), h.log...) }

// ToolLogHash is the canonical hash of the tool log.
func (h *Host) ToolLogHash() (string, error) { return canon.Hash(h.log) }

func (h *Host) record(e ToolLogEntry) {
	e.Seq = int64(len(h.log))
	e.Tick = h.state.Tick
	h.log = append(h.log, e)
}

// Gate evaluates a window's gates in order: lens allowed by law, nondiegetic
// overlays allowed by law, required entitlements held.
func (h *Host) Gate(w *model.UIWindow) error {
	law := h.s.Law
	if !law.AllowsLens(w.LensID) {
		return refusal.New(refusal.LensForbidden, "window lens is not allowed by the law profile",
			"choose a law profile that allows the lens", "window_id", w.WindowID, "lens_id", w.LensID)
	}
	if w.Nondiegetic && !law.DebugAllowances.AllowNondiegeticOverlays {
		return refusal.New(refusal.LensForbidden, "law profile disallows nondiegetic overlays",
			"enable debug_allowances.allow_nondiegetic_overlays", "window_id", w.WindowID, "law_profile_id", law.LawProfileID)
	}
	if missing := h.s.Spec.AuthorityContext.Missing(w.RequiredEntitlements); len(missing) > 0 {
		return refusal.New(refusal.EntitlementMissing, "authority lacks entitlement "+missing[0],
			"grant the entitlement in the session spec", "window_id", w.WindowID, "entitlement", missing[0])
	}
	return nil
}

// AvailableWindows gates every window of the UI registry, in registry order,
// and resolves the widget bindings of the ones that pass.
func (h *Host) AvailableWindows() ([]WindowView, error) {
	root, err := h.perceived()
	if err != nil {
		return nil, err
	}
	windows := h.s.Registries.UIWindows
	out := make([]WindowView, 0, len(windows))
	for i := range windows {
		w := &windows[i]
		view := WindowView{WindowID: w.WindowID, Title: w.Title, Widgets: []WidgetView{}}
		if err := h.Gate(w); err != nil {
			view.ReasonCode = refusal.Code(err)
			h.record(ToolLogEntry{Event: EventGate, WindowID: w.WindowID, Result: ResultRefused, ReasonCode: view.ReasonCode})
			out = append(out, view)
			continue
		}
		view.Available = true
		h.record(ToolLogEntry{Event: EventGate, WindowID: w.WindowID, Result: ResultAllowed})
		for j := range w.Widgets {
			wd := &w.Widgets[j]
			view.Widgets = append(view.Widgets, WidgetView{
				WidgetID:   wd.WidgetID,
				WidgetType: wd.WidgetType,
				Bindings:   bindings(root, wd),
				Actionable: wd.ActionBinding != nil,
			})
		}
		out = append(out, view)
	}
	return out, nil
}

// Dispatch gates the window, expands the widget's payload template and
// commits the resulting intent as a single-envelope script.
func (h *Host) Dispatch(ctx context.Context, a Action) (*Dispatched, error) {
	entry := ToolLogEntry{Event: EventDispatch, WindowID: a.WindowID, WidgetID: a.WidgetID}
	res, err := h.dispatch(ctx, a, &entry)
	if err != nil {
		if !refusal.IsRefusal(err) {
			return nil, err
		}
		entry.Result = ResultRefused
		entry.ReasonCode = refusal.Code(err)
		h.record(entry)
		h.logger.Debug("ui dispatch refused", "window", a.WindowID, "widget", a.WidgetID, "reason", entry.ReasonCode)
		return nil, err
	}
	entry.Result = ResultComplete
	entry.StateHash = res.Run.FinalStateHash
	h.state = res.Run.State
	h.record(entry)
	h.logger.Debug("ui dispatch", "window", a.WindowID, "widget", a.WidgetID, "process", res.ProcessID, "tick", h.state.Tick)
	return res, nil
}

func (h *Host) dispatch(ctx context.Context, a Action, entry *ToolLogEntry) (*Dispatched, error) {
	w, ok := h.s.Registries.Window(a.WindowID)
	if !ok {
		return nil, refusal.New(refusal.WindowNotFound, "window not in the ui registry", "pick a registered window", "window_id", a.WindowID)
	}
	wd, ok := w.Widget(a.WidgetID)
	if !ok || wd.ActionBinding == nil {
		return nil, refusal.New(refusal.WidgetNotFound, "window has no actionable widget "+a.WidgetID,
			"pick a widget with an action binding", "window_id", a.WindowID, "widget_id", a.WidgetID)
	}
	entry.ProcessID = wd.ActionBinding.ProcessID
	if err := h.Gate(w); err != nil {
		return nil, err
	}

	root, err := h.perceived()
	if err != nil {
		return nil, err
	}
	widget := bindings(root, wd)
	for k, v := range a.Widget {
		widget[k] = v
	}
	selection := a.Selection
	if selection == nil {
		selection = map[string]any{}
	}
	scope, err := canon.Normalize(map[string]any{"perceived": root["perceived"], "widget": widget, "selection": selection})
	if err != nil {
		return nil, refusal.New(refusal.ProcessInputInvalid, err.Error(), "pass JSON values for widget and selection")
	}
	inputs, err := expand(scope, wd.ActionBinding.PayloadTemplate)
	if err != nil {
		return nil, err
	}

	intentID := fmt.Sprintf("intent.ui.%d", len(h.log))
	script := &model.Script{
		SchemaVersion: model.SchemaVersion,
		ScriptID:      "script.ui." + a.WindowID + "." + a.WidgetID,
		Intents: []model.ScriptIntent{{
			IntentID:  intentID,
			ProcessID: wd.ActionBinding.ProcessID,
			Inputs:    inputs,
		}},
	}
	run, err := srz.Run(ctx, h.s.Env(), h.state, script, srz.Options{
		PackLockHash:   h.s.Lockfile.PackLockHash,
		RegistryHashes: h.s.Lockfile.Registries,
		Logger:         h.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Dispatched{ProcessID: wd.ActionBinding.ProcessID, Inputs: inputs, Run: run}, nil
}

func (h *Host) perceived() (map[string]any, error) {
	pm, _, _, err := h.s.Observe(h.state)
	if err != nil {
		return nil, err
	}
	return observe.Generic(pm.Perceived)
}

// bindings resolves each data binding of wd against the perceived root.
// Unresolvable selectors bind nil.
func bindings(root map[string]any, wd *model.Widget) map[string]any {
	out := make(map[string]any, len(wd.DataBindings))
	for _, b := range wd.DataBindings {
		v, _ := selector.Resolve(root, b.Selector)
		out[b.Target] = v
	}
	return out
}

// expand replaces every "${selector}" string of tmpl with the value it
// resolves to in scope. Empty target ids are stripped.
func expand(scope any, tmpl map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		ev, err := expandValue(scope, k, v)
		if err != nil {
			return nil, err
		}
		if strippable[k] && empty(ev) {
			continue
		}
		out[k] = ev
	}
	return out, nil
}

func expandValue(scope any, key string, v any) (any, error) {
	switch t := v.(type) {
	case string:
		path, ok := placeholder(t)
		if !ok {
			return t, nil
		}
		if !selector.Valid(path) || selector.Forbidden(path) {
			return nil, refusal.New(refusal.ProcessInputInvalid, "payload template selector "+path+" is not allowed",
				"use widget, selection or perceived selectors", "field", key)
		}
		resolved, ok := selector.Resolve(scope, path)
		if !ok || resolved == nil {
			if strippable[key] {
				return nil, nil
			}
			return nil, refusal.New(refusal.ProcessInputInvalid, "payload template value "+path+" did not resolve",
				"supply the widget value or selection", "field", key)
		}
		return resolved, nil
	case map[string]any:
		return expand(scope, t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			ev, err := expandValue(scope, key, el)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	return v, nil
}

func placeholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	return s[2 : len(s)-1], true
}

func empty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
