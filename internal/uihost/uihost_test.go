package uihost_test

import (
	"context"
	"encoding/json"
	"testing"

	"labkit.ai/internal/labtest"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/session"
	"labkit.ai/internal/uihost"
)

func booted(t *testing.T, mod func(*session.CreateOptions)) *session.Session {
	t.Helper()
	repo := labtest.NewRepo(t)
	opts := session.CreateOptions{Root: repo.Root, SaveID: "save.ui", BundleID: labtest.BundleID, Entitlements: labtest.Entitlements}
	if mod != nil {
		mod(&opts)
	}
	c, err := session.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err := session.Boot(context.Background(), session.BootOptions{SpecPath: c.SpecPath, BuildDir: repo.Path("build")})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return s
}

func byID(views []uihost.WindowView) map[string]uihost.WindowView {
	out := map[string]uihost.WindowView{}
	for _, v := range views {
		out[v.WindowID] = v
	}
	return out
}

func TestAvailableWindows_BindsData(t *testing.T) {
	h := uihost.New(booted(t, nil), nil)
	views, err := h.AvailableWindows()
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("views: %+v", views)
	}
	m := byID(views)
	nav := m["ui.lab.navigator"]
	if !nav.Available || len(nav.Widgets) != 2 {
		t.Fatalf("navigator: %+v", nav)
	}
	items, _ := nav.Widgets[0].Bindings["items"].([]any)
	if len(items) != 2 || items[0] != labtest.Earth {
		t.Fatalf("items: %v", nav.Widgets[0].Bindings)
	}
	if rate := m["ui.lab.time"].Widgets[0].Bindings["value"]; rate != json.Number("1000") {
		t.Fatalf("rate binding: %#v", rate)
	}
	if len(h.ToolLog()) != 3 {
		t.Fatalf("tool log: %+v", h.ToolLog())
	}
}

func TestGate_Order(t *testing.T) {
	restricted := booted(t, func(o *session.CreateOptions) { o.LawProfileID = labtest.RestrictiveLaw })
	views, err := uihost.New(restricted, nil).AvailableWindows()
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if v := byID(views)["ui.lab.debug_overlay"]; v.Available || v.ReasonCode != refusal.LensForbidden {
		t.Fatalf("overlay under restrictive law: %+v", v)
	}

	s := booted(t, nil)
	law := *s.Law
	law.DebugAllowances = model.DebugAllowances{AllowNondiegeticOverlays: false}
	s.Law = &law
	w, _ := s.Registries.Window("ui.lab.debug_overlay")
	if err := uihost.New(s, nil).Gate(w); refusal.Code(err) != refusal.LensForbidden {
		t.Fatalf("overlays disallowed: %v", err)
	}

	noTeleport := booted(t, func(o *session.CreateOptions) {
		o.Entitlements = []string{"entitlement.camera_control", "entitlement.time_control"}
	})
	h := uihost.New(noTeleport, nil)
	views, err = h.AvailableWindows()
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	m := byID(views)
	if v := m["ui.lab.navigator"]; v.Available || v.ReasonCode != refusal.EntitlementMissing || len(v.Widgets) != 0 {
		t.Fatalf("navigator without teleport: %+v", v)
	}
	if !m["ui.lab.time"].Available {
		t.Fatalf("time window should pass")
	}
	for _, e := range h.ToolLog() {
		if e.WindowID == "ui.lab.navigator" && (e.Result != uihost.ResultRefused || e.ReasonCode != refusal.EntitlementMissing) {
			t.Fatalf("tool log: %+v", e)
		}
	}
}

func TestDispatch_CommitsThroughScheduler(t *testing.T) {
	s := booted(t, nil)
	h := uihost.New(s, nil)
	ctx := context.Background()

	d, err := h.Dispatch(ctx, uihost.Action{
		WindowID:  "ui.lab.navigator",
		WidgetID:  "w.teleport",
		Selection: map[string]any{"object_id": labtest.Earth},
	})
	if err != nil {
		t.Fatalf("teleport: %v", err)
	}
	if _, ok := d.Inputs["target_site_id"]; ok || d.Inputs["target_object_id"] != labtest.Earth {
		t.Fatalf("inputs: %v", d.Inputs)
	}
	cam, _ := h.State().Camera(model.MainCamera)
	if cam.FrameID != "frame.earth_fixed" || h.State().Tick != 1 {
		t.Fatalf("camera %+v at tick %d", cam, h.State().Tick)
	}
	if s.State.Tick != 0 {
		t.Fatalf("session state was modified")
	}

	if _, err := h.Dispatch(ctx, uihost.Action{WindowID: "ui.lab.time", WidgetID: "w.rate", Widget: map[string]any{"value": 500}}); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if h.State().TimeControl.RatePermille != 500 {
		t.Fatalf("rate: %+v", h.State().TimeControl)
	}

	refused := []struct {
		name string
		a    uihost.Action
		code string
	}{
		{"window", uihost.Action{WindowID: "ui.lab.nope", WidgetID: "w.x"}, refusal.WindowNotFound},
		{"widget", uihost.Action{WindowID: "ui.lab.navigator", WidgetID: "w.targets"}, refusal.WidgetNotFound},
		{"empty selection", uihost.Action{WindowID: "ui.lab.navigator", WidgetID: "w.teleport"}, refusal.ProcessInputInvalid},
		{"rate out of range", uihost.Action{WindowID: "ui.lab.time", WidgetID: "w.rate", Widget: map[string]any{"value": 20000}}, refusal.ProcessInputInvalid},
	}
	for _, tc := range refused {
		if _, err := h.Dispatch(ctx, tc.a); refusal.Code(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	log := h.ToolLog()
	if len(log) != 6 {
		t.Fatalf("tool log: %+v", log)
	}
	if log[0].Result != uihost.ResultComplete || log[0].StateHash == "" || log[5].Result != uihost.ResultRefused {
		t.Fatalf("tool log: %+v", log)
	}
	for i, e := range log {
		if e.Seq != int64(i) {
			t.Fatalf("entry %d seq %d", i, e.Seq)
		}
	}
}

func TestDispatch_LawForbidsProcess(t *testing.T) {
	s := booted(t, func(o *session.CreateOptions) { o.LawProfileID = labtest.RestrictiveLaw })
	h := uihost.New(s, nil)
	_, err := h.Dispatch(context.Background(), uihost.Action{
		WindowID: "ui.lab.navigator", WidgetID: "w.teleport", Selection: map[string]any{"site_id": labtest.Pad},
	})
	if refusal.Code(err) != refusal.ProcessForbidden {
		t.Fatalf("expected %s, got %v", refusal.ProcessForbidden, err)
	}
	log := h.ToolLog()
	if len(log) != 1 || log[0].ProcessID != "process.camera_teleport" || log[0].ReasonCode != refusal.ProcessForbidden {
		t.Fatalf("tool log: %+v", log)
	}
}
