package process

import (
	"fmt"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
)

// Region management outcomes.
const (
	OutcomeWithinBudget = "within_budget"
	OutcomeDegraded     = "degraded"
	OutcomeCapped       = "capped"
)

// Transition actions.
const (
	ActionExpand   = "expand"
	ActionCollapse = "collapse"
	ActionRetier   = "retier"
)

// AnchorModulus spreads catalog anchors along the x axis.
const AnchorModulus = 1024

var defaultDegradeOrder = []string{model.TierFine, model.TierMedium, model.TierCoarse}

type candidate struct {
	entry    *model.AstronomyEntry
	distance int64
	priority int64
	tier     string
}

// Anchor is the simulation anchor of a catalog object.
func Anchor(objectID string, spacingMM int64) model.Vec3 {
	return model.Vec3{X: canon.StablePositiveInt(objectID, AnchorModulus) * spacingMM}
}

func handleRegionTick(env *Env, st *model.UniverseState, in map[string]any) error {
	var req struct{}
	if err := decode(RegionTick, in, &req); err != nil {
		return err
	}
	act, bud, fid := env.Activation, env.Budget, env.Fidelity
	if env.Registries == nil || act == nil || bud == nil || fid == nil || len(fid.Tiers) == 0 {
		return refusal.New(refusal.RegistryMissing, "region management needs activation, budget and fidelity policies",
			"select the policies in the session spec", "process_id", RegionTick)
	}
	catalog := env.Registries.Astronomy
	seedCapsules(st, catalog)
	before := st.TotalMass()

	var origin model.Vec3
	if cam, ok := st.Camera(model.MainCamera); ok {
		origin = cam.PositionMM
	}
	active := make(map[string]model.MicroRegion, len(st.MicroRegions))
	for _, m := range st.MicroRegions {
		active[m.ObjectID] = m
	}
	tiers := append([]model.FidelityTier(nil), fid.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MaxDistanceMM < tiers[j].MaxDistanceMM })

	var cands []candidate
	for i := range catalog {
		e := &catalog[i]
		d := origin.L1(Anchor(e.ObjectID, act.AnchorSpacingMM))
		limit := act.InterestRadius(e.Kind)
		prev, isActive := active[e.ObjectID]
		if isActive {
			limit += act.Hysteresis.ExitMarginMM
		} else {
			limit -= act.Hysteresis.EnterMarginMM
		}
		if d > limit {
			continue
		}
		c := candidate{entry: e, distance: d, priority: act.Priority(e.Kind)}
		c.tier = pickTier(fid, tiers, d, prev.FidelityTier, e.Kind)
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].entry.ObjectID < cands[j].entry.ObjectID
	})
	if limit := bud.MaxRegionsMicro; int64(len(cands)) > limit {
		cands = cands[:max(limit, 0)]
	}

	outcome := OutcomeWithinBudget
	over := func() bool {
		units, entities := usage(bud, fid, cands)
		return units > bud.MaxComputeUnitsPerTick || entities > bud.MaxEntitiesMicro
	}
	if over() {
		if bud.FallbackBehavior == model.FallbackRefuse {
			units, entities := usage(bud, fid, cands)
			return refusal.New(refusal.BudgetExceeded,
				fmt.Sprintf("region selection needs %d compute units and %d entities", units, entities),
				"raise the budget or use fallback_behavior degrade_fidelity",
				"process_id", RegionTick, "budget_policy_id", bud.PolicyID)
		}
		for over() && degradeOne(fid, cands) {
			outcome = OutcomeDegraded
		}
		for over() && len(cands) > 0 {
			cands = cands[:len(cands)-1]
			outcome = OutcomeCapped
		}
	}

	transitions := applyTransitions(st, fid, cands)
	if after := st.TotalMass(); after != before {
		return refusal.New(refusal.ConservationViolation,
			fmt.Sprintf("mass_stub drifted from %d to %d", before, after),
			"report the region management defect", "process_id", RegionTick)
	}

	units, entities := usage(bud, fid, cands)
	counts := make(map[string]int64, len(fid.Tiers))
	for _, t := range fid.Tiers {
		counts[t.TierID] = 0
	}
	for _, c := range cands {
		counts[c.tier]++
	}
	ps := &st.PerformanceState
	ps.ActivationPolicyID = act.PolicyID
	ps.BudgetPolicyID = bud.PolicyID
	ps.FidelityPolicyID = fid.PolicyID
	ps.ComputeUnitsUsed = units
	ps.MaxComputeUnitsPerTick = bud.MaxComputeUnitsPerTick
	ps.EntitiesUsed = entities
	ps.Outcome = outcome
	ps.ActiveRegionCount = int64(len(st.MicroRegions))
	ps.TierCounts = counts
	ps.TransitionLog = append(ps.TransitionLog, transitions...)
	return nil
}

// pickTier maps distance to the finest tier whose reach covers it, holds the
// previous tier inside the hysteresis bands and applies the per-kind floor.
func pickTier(fid *model.FidelityPolicy, byReach []model.FidelityTier, d int64, prev, kind string) string {
	tier := byReach[len(byReach)-1].TierID
	for _, t := range byReach {
		if d <= t.MaxDistanceMM {
			tier = t.TierID
			break
		}
	}
	if prev != "" && prev != tier {
		rules := fid.SwitchingRules
		pt, havePrev := fid.Tier(prev)
		nt, _ := fid.Tier(tier)
		switch {
		case model.TierRank(tier) > model.TierRank(prev):
			if d > nt.MaxDistanceMM-rules.UpgradeHysteresisMM {
				tier = prev
			}
		case havePrev:
			if d <= pt.MaxDistanceMM+rules.DegradeHysteresisMM {
				tier = prev
			}
		}
	}
	if floor, ok := fid.MinimumTierByKind[kind]; ok && model.TierRank(floor) > model.TierRank(tier) {
		tier = floor
	}
	return tier
}

func entityTarget(fid *model.FidelityPolicy, tier string) int64 {
	t, _ := fid.Tier(tier)
	return t.MicroEntitiesTarget
}

func usage(bud *model.BudgetPolicy, fid *model.FidelityPolicy, cands []candidate) (units, entities int64) {
	for _, c := range cands {
		n := entityTarget(fid, c.tier)
		units += bud.TierComputeWeights.Weight(c.tier) + n*bud.EntityComputeWeight
		entities += n
	}
	return units, entities
}

// degradeOne lowers the tier of the lowest ranked region that can still be
// degraded without crossing its kind floor.
func degradeOne(fid *model.FidelityPolicy, cands []candidate) bool {
	order := fid.SwitchingRules.DegradeOrder
	if len(order) == 0 {
		order = defaultDegradeOrder
	}
	for i := len(cands) - 1; i >= 0; i-- {
		next, ok := nextTier(order, cands[i].tier)
		if !ok {
			continue
		}
		if floor, ok := fid.MinimumTierByKind[cands[i].entry.Kind]; ok && model.TierRank(next) < model.TierRank(floor) {
			continue
		}
		cands[i].tier = next
		return true
	}
	return false
}

func nextTier(order []string, tier string) (string, bool) {
	for i, t := range order {
		if t == tier && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

func capsuleID(objectID string) string { return "capsule." + objectID }

func regionID(objectID string) string { return "region." + objectID }

// seedCapsules gives every catalog object without a capsule or micro region
// a capsule holding its catalog mass.
func seedCapsules(st *model.UniverseState, catalog []model.AstronomyEntry) {
	have := map[string]bool{}
	for _, c := range st.MacroCapsules {
		have[c.ObjectID] = true
	}
	for _, m := range st.MicroRegions {
		have[m.ObjectID] = true
	}
	for i := range catalog {
		e := &catalog[i]
		if have[e.ObjectID] {
			continue
		}
		st.MacroCapsules = append(st.MacroCapsules, model.MacroCapsule{
			CapsuleID:           capsuleID(e.ObjectID),
			ObjectID:            e.ObjectID,
			ConservedQuantities: model.Conserved{MassStub: e.Mass()},
		})
	}
	sort.Slice(st.MacroCapsules, func(i, j int) bool { return st.MacroCapsules[i].CapsuleID < st.MacroCapsules[j].CapsuleID })
}

func capsuleIndex(st *model.UniverseState, id, objectID string) int {
	for i := range st.MacroCapsules {
		if st.MacroCapsules[i].CapsuleID == id {
			return i
		}
	}
	st.MacroCapsules = append(st.MacroCapsules, model.MacroCapsule{CapsuleID: id, ObjectID: objectID})
	return len(st.MacroCapsules) - 1
}

// applyTransitions collapses regions that left the selection, retiers the
// ones that stayed and expands the new ones. Mass moves whole between a
// capsule and its micro region.
func applyTransitions(st *model.UniverseState, fid *model.FidelityPolicy, cands []candidate) []model.Transition {
	selected := make(map[string]candidate, len(cands))
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		selected[c.entry.ObjectID] = c
		ids = append(ids, c.entry.ObjectID)
	}
	sort.Strings(ids)

	var log []model.Transition
	current := append([]model.MicroRegion(nil), st.MicroRegions...)
	sort.Slice(current, func(i, j int) bool { return current[i].ObjectID < current[j].ObjectID })
	micro := make([]model.MicroRegion, 0, len(ids))
	had := map[string]bool{}
	for _, m := range current {
		had[m.ObjectID] = true
		c, ok := selected[m.ObjectID]
		if !ok {
			i := capsuleIndex(st, m.CapsuleID, m.ObjectID)
			st.MacroCapsules[i].ConservedQuantities.MassStub += m.ConservedQuantities.MassStub
			log = append(log, model.Transition{Tick: st.Tick, ObjectID: m.ObjectID, Action: ActionCollapse})
			continue
		}
		if c.tier != m.FidelityTier {
			m.FidelityTier = c.tier
			m.EntityTarget = entityTarget(fid, c.tier)
			log = append(log, model.Transition{Tick: st.Tick, ObjectID: m.ObjectID, Action: ActionRetier, Tier: c.tier})
		}
		micro = append(micro, m)
	}
	for _, id := range ids {
		if had[id] {
			continue
		}
		c := selected[id]
		ci := capsuleIndex(st, capsuleID(id), id)
		capsule := &st.MacroCapsules[ci]
		micro = append(micro, model.MicroRegion{
			RegionID:            regionID(id),
			ObjectID:            id,
			CapsuleID:           capsule.CapsuleID,
			FidelityTier:        c.tier,
			EntityTarget:        entityTarget(fid, c.tier),
			ConservedQuantities: model.Conserved{MassStub: capsule.ConservedQuantities.MassStub},
		})
		capsule.ConservedQuantities.MassStub = 0
		log = append(log, model.Transition{Tick: st.Tick, ObjectID: id, Action: ActionExpand, Tier: c.tier})
	}
	sort.Slice(micro, func(i, j int) bool { return micro[i].RegionID < micro[j].RegionID })
	sort.Slice(st.MacroCapsules, func(i, j int) bool { return st.MacroCapsules[i].CapsuleID < st.MacroCapsules[j].CapsuleID })
	st.MicroRegions = micro

	st.InterestRegions = make([]model.InterestRegion, 0, len(ids))
	for _, id := range ids {
		c := selected[id]
		st.InterestRegions = append(st.InterestRegions, model.InterestRegion{
			RegionID:     regionID(id),
			ObjectID:     id,
			Kind:         c.entry.Kind,
			Priority:     c.priority,
			DistanceMM:   c.distance,
			FidelityTier: c.tier,
		})
	}
	return log
}
