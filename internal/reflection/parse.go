// Package reflection turns untrusted reflection output into typed memory
// proposals. Parsing is total: it never panics and never returns partial
// garbage. Structural problems yield an empty result with Err set, and
// per-item problems are reported in Rejected.
package reflection

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ent0n29/memoryagent/internal/memory"
)

var ErrMalformed = errors.New("malformed reflection")

// MalformedReflectionError describes why a reflection payload could not be
// used at all.
type MalformedReflectionError struct {
	Reason string
}

func (e *MalformedReflectionError) Error() string {
	return fmt.Sprintf("malformed reflection: %s", e.Reason)
}

func (e *MalformedReflectionError) Unwrap() error { return ErrMalformed }

const (
	KindCandidate = "candidate"
	KindRevision  = "revision"
)

// Rejection records one discarded item.
type Rejection struct {
	Kind   string `json:"kind"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of Parse.
type Result struct {
	Candidates []memory.Candidate `json:"candidates"`
	Revisions  []memory.Revision  `json:"revisions"`
	Rejected   []Rejection        `json:"rejected,omitempty"`
	Err        error              `json:"-"`
}

// Parse extracts candidates and revisions from raw model output.
func Parse(raw string) Result {
	obj, ok := extractObject(raw)
	if !ok {
		return malformed("no JSON object found")
	}
	if !gjson.Valid(obj) {
		return malformed("invalid JSON")
	}
	root := gjson.Parse(obj)
	if !root.IsObject() {
		return malformed("top level is not an object")
	}

	candidates := root.Get("candidates")
	revisions := root.Get("revisions")
	if !candidates.Exists() && !revisions.Exists() {
		return malformed("neither candidates nor revisions present")
	}
	if candidates.Exists() && !candidates.IsArray() && candidates.Type != gjson.Null {
		return malformed("candidates is not an array")
	}
	if revisions.Exists() && !revisions.IsArray() && revisions.Type != gjson.Null {
		return malformed("revisions is not an array")
	}

	res := Result{
		Candidates: []memory.Candidate{},
		Revisions:  []memory.Revision{},
	}
	for i, item := range candidates.Array() {
		cand, reason := parseCandidate(item)
		if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Kind: KindCandidate, Index: i, Reason: reason})
			continue
		}
		res.Candidates = append(res.Candidates, cand)
	}
	for i, item := range revisions.Array() {
		rev, reason := parseRevision(item)
		if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Kind: KindRevision, Index: i, Reason: reason})
			continue
		}
		res.Revisions = append(res.Revisions, rev)
	}
	return res
}

func malformed(reason string) Result {
	return Result{
		Candidates: []memory.Candidate{},
		Revisions:  []memory.Revision{},
		Err:        &MalformedReflectionError{Reason: reason},
	}
}

func parseCandidate(item gjson.Result) (memory.Candidate, string) {
	if !item.IsObject() {
		return memory.Candidate{}, "not an object"
	}
	typ, ok := memory.ParseType(item.Get("type").String())
	if !ok {
		return memory.Candidate{}, fmt.Sprintf("unknown type %q", item.Get("type").String())
	}
	subject, ok := memory.ParseSubject(item.Get("subject").String())
	if !ok {
		return memory.Candidate{}, fmt.Sprintf("unknown subject %q", item.Get("subject").String())
	}
	action, ok := memory.ParseAction(item.Get("action").String())
	if !ok {
		return memory.Candidate{}, fmt.Sprintf("unknown action %q", item.Get("action").String())
	}
	content := strings.TrimSpace(item.Get("content").String())
	if content == "" {
		return memory.Candidate{}, "empty content"
	}
	conf, ok := confidence(item.Get("confidence"))
	if !ok {
		return memory.Candidate{}, "confidence is not a number"
	}
	return memory.Candidate{
		Type:       typ,
		Subject:    subject,
		Content:    content,
		Confidence: conf,
		Reason:     strings.TrimSpace(item.Get("reason").String()),
		Action:     action,
	}, ""
}

func parseRevision(item gjson.Result) (memory.Revision, string) {
	if !item.IsObject() {
		return memory.Revision{}, "not an object"
	}
	target := strings.TrimSpace(item.Get("target_id").String())
	if target == "" {
		return memory.Revision{}, "missing target_id"
	}
	action, ok := memory.ParseRevisionAction(item.Get("action").String())
	if !ok {
		return memory.Revision{}, fmt.Sprintf("unknown action %q", item.Get("action").String())
	}
	rev := memory.Revision{
		TargetID: target,
		Action:   action,
		Content:  strings.TrimSpace(item.Get("content").String()),
		Reason:   strings.TrimSpace(item.Get("reason").String()),
	}
	raw := item.Get("new_confidence")
	if !raw.Exists() {
		raw = item.Get("confidence")
	}
	if raw.Exists() && raw.Type != gjson.Null {
		conf, ok := confidence(raw)
		if !ok {
			return memory.Revision{}, "confidence is not a number"
		}
		rev.Confidence = &conf
	}
	if action == memory.RevisionRevise && rev.Content == "" && rev.Confidence == nil {
		return memory.Revision{}, "revise without content or confidence"
	}
	return rev, ""
}

// confidence reads a number (or numeric string) and clamps it to [0,1].
// A missing value is 0.
func confidence(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Null:
		if v.Exists() {
			return 0, false
		}
		return 0, true
	case gjson.Number:
		return memory.ClampConfidence(v.Float()), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return memory.ClampConfidence(f), true
	default:
		return 0, false
	}
}

// extractObject strips code fences and surrounding prose and returns the
// outermost {...} span.
func extractObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	if strings.HasPrefix(strings.TrimSpace(s), "[") {
		return "", false
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
