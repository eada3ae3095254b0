package observe

import (
	"fmt"

	"labkit.ai/internal/canon"
)

// RenderModel is the rendering-ready view. It is built from a PerceivedModel
// only.
type RenderModel struct {
	SchemaVersion string        `json:"schema_version"`
	ViewpointID   string        `json:"viewpoint_id"`
	LensID        string        `json:"lens_id"`
	Tick          int64         `json:"tick"`
	Camera        RenderCamera  `json:"camera"`
	Labels        []RenderLabel `json:"labels"`
	Overlays      []RenderLabel `json:"overlays"`
}

type RenderCamera struct {
	AssemblyID string `json:"assembly_id"`
	FrameID    string `json:"frame_id"`
	HasPose    bool   `json:"has_pose"`
}

type RenderLabel struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Render adapts pm for a renderer and returns the render model hash.
// Overlays are only produced for nondiegetic lenses.
func Render(pm *PerceivedModel) (*RenderModel, string, error) {
	rm := &RenderModel{
		SchemaVersion: pm.SchemaVersion,
		ViewpointID:   pm.ViewpointID,
		LensID:        pm.LensID,
		Tick:          pm.Time.Tick,
		Camera: RenderCamera{
			AssemblyID: pm.CameraViewpoint.AssemblyID,
			FrameID:    pm.CameraViewpoint.FrameID,
			HasPose:    pm.CameraViewpoint.PositionMM != nil,
		},
		Labels:   []RenderLabel{},
		Overlays: []RenderLabel{},
	}
	for _, n := range pm.Navigation.Hierarchy {
		rm.Labels = append(rm.Labels, RenderLabel{ID: n.ObjectID, Text: n.Kind})
	}
	for _, s := range pm.Sites.Entries {
		rm.Labels = append(rm.Labels, RenderLabel{ID: s.SiteID, Text: "site on " + s.ObjectID})
	}
	if pm.LensType == LensNondiegetic {
		rm.Overlays = append(rm.Overlays,
			RenderLabel{ID: "overlay.tick", Text: fmt.Sprintf("tick %d", pm.Time.Tick)},
			RenderLabel{ID: "overlay.rate", Text: fmt.Sprintf("rate %d permille", pm.Time.RatePermille)},
		)
		if b, ok := pm.Performance.Budget.(BudgetView); ok {
			rm.Overlays = append(rm.Overlays, RenderLabel{ID: "overlay.budget", Text: fmt.Sprintf("%d/%d units (%s)", b.ComputeUnitsUsed, b.MaxComputeUnitsPerTick, b.Outcome)})
		}
	}
	h, err := canon.Hash(rm)
	if err != nil {
		return nil, "", err
	}
	return rm, h, nil
}
