// Package refusal carries deterministic, structured failures.
//
// Pipeline stages report a sorted list of Error rows; runtime stages (boot,
// observation, process commit) report a single Refusal. Both implement error
// and are recovered with errors.As. Anything else is an internal error.
package refusal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error is one row of a refusal list.
type Error struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Errors is a refusal list. Callers sort before returning.
type Errors []Error

func (e Errors) Error() string {
	if len(e) == 0 {
		return "refused"
	}
	parts := make([]string, 0, len(e))
	for _, row := range e {
		parts = append(parts, fmt.Sprintf("%s at %s: %s", row.Code, row.Path, row.Message))
	}
	return "refused: " + strings.Join(parts, "; ")
}

// Add appends a row.
func (e *Errors) Add(code, path, message string) {
	*e = append(*e, Error{Code: code, Path: path, Message: message})
}

// Addf appends a row with a formatted message.
func (e *Errors) Addf(code, path, format string, args ...any) {
	e.Add(code, path, fmt.Sprintf(format, args...))
}

// Extend appends every row of other.
func (e *Errors) Extend(other Errors) {
	*e = append(*e, other...)
}

// Sorted returns a copy ordered by (path, code, message), the schema validator order.
func (e Errors) Sorted() Errors {
	out := append(Errors(nil), e...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Message < out[j].Message
	})
	return dedupe(out)
}

// SortedByCode returns a copy ordered by (code, path, message), the pipeline order.
func (e Errors) SortedByCode() Errors {
	out := append(Errors(nil), e...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Message < out[j].Message
	})
	return dedupe(out)
}

// Err returns nil for an empty list and the code-sorted list otherwise.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e.SortedByCode()
}

// Has reports whether any row carries code.
func (e Errors) Has(code string) bool {
	for _, row := range e {
		if row.Code == code {
			return true
		}
	}
	return false
}

// Codes returns the codes in list order.
func (e Errors) Codes() []string {
	out := make([]string, 0, len(e))
	for _, row := range e {
		out = append(out, row.Code)
	}
	return out
}

func dedupe(in Errors) Errors {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, row := range in[1:] {
		if row != out[len(out)-1] {
			out = append(out, row)
		}
	}
	return out
}

// Refusal is a single runtime refusal.
type Refusal struct {
	ReasonCode      string            `json:"reason_code"`
	Message         string            `json:"message"`
	RemediationHint string            `json:"remediation_hint"`
	RelevantIDs     map[string]string `json:"relevant_ids"`
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("%s: %s", r.ReasonCode, r.Message)
}

// New builds a Refusal. ids is a flat key, value list.
func New(code, message, hint string, ids ...string) *Refusal {
	r := &Refusal{
		ReasonCode:      code,
		Message:         message,
		RemediationHint: hint,
		RelevantIDs:     map[string]string{},
	}
	for i := 0; i+1 < len(ids); i += 2 {
		r.RelevantIDs[ids[i]] = ids[i+1]
	}
	return r
}

// With returns a copy of r carrying an extra relevant id.
func (r *Refusal) With(key, value string) *Refusal {
	cp := *r
	cp.RelevantIDs = make(map[string]string, len(r.RelevantIDs)+1)
	for k, v := range r.RelevantIDs {
		cp.RelevantIDs[k] = v
	}
	cp.RelevantIDs[key] = value
	return &cp
}

// AsErrors extracts a refusal list from err.
func AsErrors(err error) (Errors, bool) {
	var list Errors
	if errors.As(err, &list) {
		return list, true
	}
	return nil, false
}

// AsRefusal extracts a single refusal from err.
func AsRefusal(err error) (*Refusal, bool) {
	var r *Refusal
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsRefusal reports whether err is any kind of refusal.
func IsRefusal(err error) bool {
	if _, ok := AsErrors(err); ok {
		return true
	}
	_, ok := AsRefusal(err)
	return ok
}

// Code returns the primary code of a refusal error, or "" for other errors.
func Code(err error) string {
	if r, ok := AsRefusal(err); ok {
		return r.ReasonCode
	}
	if list, ok := AsErrors(err); ok && len(list) > 0 {
		return list[0].Code
	}
	return ""
}
