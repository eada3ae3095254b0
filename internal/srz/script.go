package srz

import (
	"errors"
	"io/fs"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/schema"
)

// ScriptSchema is the schema name intent scripts validate against.
const ScriptSchema = "intent_script"

// ReadScript loads and validates an intent script.
func ReadScript(path string, v *schema.Validator) (*model.Script, error) {
	raw, err := canon.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, refusal.New(refusal.ScriptInvalid, "script not found", "pass an existing script path", "path", path)
		}
		return nil, refusal.New(refusal.ScriptInvalid, "script is not valid JSON: "+err.Error(), "fix the script file", "path", path)
	}
	return ParseScript(raw, v)
}

// ParseScript validates a decoded script payload and converts it.
func ParseScript(payload any, v *schema.Validator) (*model.Script, error) {
	if errs := v.Validate(ScriptSchema, payload, true); len(errs) > 0 {
		return nil, errs.Sorted()
	}
	var s model.Script
	if err := canon.Convert(payload, &s); err != nil {
		return nil, refusal.New(refusal.ScriptInvalid, err.Error(), "fix the script file")
	}
	if s.Intents == nil {
		s.Intents = []model.ScriptIntent{}
	}
	return &s, nil
}
