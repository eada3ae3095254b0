package process

import (
	"math"

	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
)

type moveInputs struct {
	DeltaLocalMM *vec  `json:"delta_local_mm"`
	DtTicks      int64 `json:"dt_ticks"`
}

func handleCameraMove(_ *Env, st *model.UniverseState, in map[string]any) error {
	var req moveInputs
	if err := decode(CameraMove, in, &req); err != nil {
		return err
	}
	delta, ok := req.DeltaLocalMM.value()
	if !ok {
		return invalid(CameraMove, "delta_local_mm needs integer x, y and z")
	}
	if req.DtTicks < 1 {
		return invalid(CameraMove, "dt_ticks must be at least 1")
	}
	cam, err := mainCamera(st, CameraMove)
	if err != nil {
		return err
	}
	cam.PositionMM = cam.PositionMM.Add(delta.Scale(req.DtTicks))
	cam.VelocityMMPerTick = delta
	advance(st, req.DtTicks)
	return nil
}

type teleportInputs struct {
	TargetSiteID    string             `json:"target_site_id"`
	TargetObjectID  string             `json:"target_object_id"`
	TargetFrameID   string             `json:"target_frame_id"`
	PositionMM      *vec               `json:"position_mm"`
	OrientationMdeg *model.Orientation `json:"orientation_mdeg"`
}

// MinObjectOffsetMM is the closest an object teleport places the camera.
const MinObjectOffsetMM = 1000

func handleCameraTeleport(env *Env, st *model.UniverseState, in map[string]any) error {
	var req teleportInputs
	if err := decode(CameraTeleport, in, &req); err != nil {
		return err
	}
	modes := 0
	for _, set := range []bool{req.TargetSiteID != "", req.TargetObjectID != "", req.TargetFrameID != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return invalid(CameraTeleport, "exactly one of target_site_id, target_object_id or target_frame_id is required")
	}
	cam, err := mainCamera(st, CameraTeleport)
	if err != nil {
		return err
	}
	regs := env.Registries

	switch {
	case req.TargetSiteID != "":
		site, ok := regs.Site(req.TargetSiteID)
		if !ok {
			return notFound("site_id", req.TargetSiteID)
		}
		pos, err := sitePosition(env, site)
		if err != nil {
			return err
		}
		cam.FrameID, cam.PositionMM = site.FrameID, pos
	case req.TargetObjectID != "":
		e, ok := regs.Entry(req.TargetObjectID)
		if !ok {
			return notFound("object_id", req.TargetObjectID)
		}
		cam.FrameID = e.FrameID
		cam.PositionMM = model.Vec3{Z: max(MinObjectOffsetMM, 2*e.Radius())}
	default:
		pos, ok := req.PositionMM.value()
		if !ok || req.OrientationMdeg == nil {
			return invalid(CameraTeleport, "a frame teleport needs position_mm and orientation_mdeg")
		}
		if !knownFrame(env, req.TargetFrameID) {
			return notFound("frame_id", req.TargetFrameID)
		}
		cam.FrameID, cam.PositionMM, cam.OrientationMdeg = req.TargetFrameID, pos, *req.OrientationMdeg
	}
	cam.VelocityMMPerTick = model.Vec3{}
	advance(st, 1)
	return nil
}

func notFound(key, id string) error {
	return refusal.New(refusal.TargetNotFound, "teleport target not found: "+id, "pick a target from the registries",
		"process_id", CameraTeleport, key, id)
}

func knownFrame(env *Env, id string) bool {
	for _, f := range env.Registries.Frames {
		if f.FrameID == id {
			return true
		}
	}
	return false
}

// sitePosition converts a site position into frame millimetres. Geodetic
// positions are placed on a sphere of the parent object's radius plus the
// altitude, then rounded half away from zero.
func sitePosition(env *Env, s *model.Site) (model.Vec3, error) {
	p := s.Position
	if p.Kind != model.PositionLatLon {
		return model.Vec3{X: p.X, Y: p.Y, Z: p.Z}, nil
	}
	e, ok := env.Registries.Entry(s.ObjectID)
	if !ok {
		return model.Vec3{}, notFound("object_id", s.ObjectID)
	}
	r := float64(e.Radius() + p.AltMM)
	lat := float64(p.LatUdeg) / 1e6 * math.Pi / 180
	lon := float64(p.LonUdeg) / 1e6 * math.Pi / 180
	return model.Vec3{
		X: int64(math.Round(r * math.Cos(lat) * math.Cos(lon))),
		Y: int64(math.Round(r * math.Cos(lat) * math.Sin(lon))),
		Z: int64(math.Round(r * math.Sin(lat))),
	}, nil
}
