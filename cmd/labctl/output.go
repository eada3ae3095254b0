package main

import (
	"encoding/json"
	"fmt"
	"io"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
)

type obj = map[string]any

// writeComplete prints a complete result. fields must not carry "result".
func writeComplete(w io.Writer, fields obj) error {
	out := obj{"result": "complete"}
	for k, v := range fields {
		out[k] = v
	}
	return writeJSON(w, out)
}

func writeRefused(w io.Writer, err error) error {
	if r, ok := refusal.AsRefusal(err); ok {
		ids := r.RelevantIDs
		if ids == nil {
			ids = map[string]string{}
		}
		return writeJSON(w, obj{"result": "refused", "refusal": obj{
			"reason_code":      r.ReasonCode,
			"message":          r.Message,
			"remediation_hint": r.RemediationHint,
			"relevant_ids":     ids,
		}})
	}
	list, _ := refusal.AsErrors(err)
	rows := make([]obj, 0, len(list))
	for _, e := range list {
		rows = append(rows, obj{"code": e.Code, "path": e.Path, "message": e.Message})
	}
	return writeJSON(w, obj{"result": "refused", "errors": rows})
}

func writeInternal(w io.Writer, err error) {
	b, _ := json.Marshal(obj{"result": "error", "message": err.Error()})
	fmt.Fprintln(w, string(b))
}

// writeJSON prints v in the canonical file rendering so output is stable
// across runs.
func writeJSON(w io.Writer, v any) error {
	b, err := canon.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
