package process

import "labkit.ai/internal/model"

// MaxRatePermille bounds time_control_set_rate.
const MaxRatePermille = 10000

type rateInputs struct {
	RatePermille *int64 `json:"rate_permille"`
}

func handleTimeSetRate(_ *Env, st *model.UniverseState, in map[string]any) error {
	var req rateInputs
	if err := decode(TimeSetRate, in, &req); err != nil {
		return err
	}
	if req.RatePermille == nil || *req.RatePermille < 0 || *req.RatePermille > MaxRatePermille {
		return invalid(TimeSetRate, "rate_permille must be an integer in [0, 10000]")
	}
	st.TimeControl.RatePermille = *req.RatePermille
	st.TimeControl.Paused = *req.RatePermille == 0
	advance(st, 1)
	return nil
}

func handleTimeToggle(st *model.UniverseState, in map[string]any, processID string, paused bool) error {
	var req struct{}
	if err := decode(processID, in, &req); err != nil {
		return err
	}
	st.TimeControl.Paused = paused
	advance(st, 1)
	return nil
}
