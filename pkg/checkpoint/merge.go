package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
)

// applyCorrections splices reviewer corrections into a state snapshot,
// field by field. Paths are dotted, rooted at one of:
//
//	patient_context.<path>   reviewer fixes the intake data
//	confidence               reviewer overrides the model's score
//	<stage>.<path>           reviewer edits a recorded stage output,
//	                         e.g. structuring.hypotheses.0.summary
//
// Numeric segments index into arrays. Every segment including the leaf must
// already exist: corrections replace values, they do not invent fields. Any
// failure aborts the whole merge with a ValidationError. Callers pass in a
// throwaway clone so a failed merge leaves no partial edits behind.
func applyCorrections(state *pipeline.State, corrections []proto.Correction) error {
	for _, c := range corrections {
		if err := applyCorrection(state, c); err != nil {
			return err
		}
	}
	return nil
}

func applyCorrection(state *pipeline.State, c proto.Correction) error {
	root, rest, _ := strings.Cut(c.Field, ".")

	switch root {
	case "patient_context":
		if rest == "" {
			return pipeline.NewValidationError(c.Field, "patient_context requires a sub-path")
		}
		if err := setAtPath(state.PatientContext, rest, c.Corrected); err != nil {
			return pipeline.NewValidationError(c.Field, "%v", err)
		}
		return nil

	case "confidence":
		if rest != "" {
			return pipeline.NewValidationError(c.Field, "confidence has no sub-fields")
		}
		value, ok := c.Corrected.(float64)
		if !ok {
			return pipeline.NewValidationError(c.Field, "expected number, got %T", c.Corrected)
		}
		if value < 0 || value > 1 {
			return pipeline.NewValidationError(c.Field, "confidence %v outside [0,1]", value)
		}
		state.SetConfidence(value)
		return nil

	default:
		output, ok := state.StageOutput(root)
		if !ok {
			return pipeline.NewValidationError(c.Field, "unknown root %q (no such stage output)", root)
		}
		if rest == "" {
			return pipeline.NewValidationError(c.Field, "stage output %q requires a sub-path", root)
		}
		doc, err := pipeline.OutputDocument(output)
		if err != nil {
			return pipeline.NewValidationError(c.Field, "%v", err)
		}
		if err := setAtPath(doc, rest, c.Corrected); err != nil {
			return pipeline.NewValidationError(c.Field, "%v", err)
		}
		corrected, err := pipeline.OutputFromDocument(root, doc)
		if err != nil {
			return pipeline.NewValidationError(c.Field, "corrected value does not fit: %v", err)
		}
		state.RecordStageOutput(corrected)
		return nil
	}
}

// setAtPath walks a decoded JSON document along a dotted path and replaces
// the addressed value. Objects are walked by key, arrays by index.
func setAtPath(doc map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")

	var cur any = doc
	for i, seg := range segments[:len(segments)-1] {
		next, err := childOf(cur, seg, strings.Join(segments[:i+1], "."))
		if err != nil {
			return err
		}
		cur = next
	}

	leaf := segments[len(segments)-1]
	switch node := cur.(type) {
	case map[string]any:
		if _, ok := node[leaf]; !ok {
			return fmt.Errorf("unknown field path %q: no field %q", path, leaf)
		}
		node[leaf] = value
	case []any:
		idx, err := arrayIndex(leaf, len(node), path)
		if err != nil {
			return err
		}
		node[idx] = value
	default:
		return fmt.Errorf("field path %q: %q is a leaf value, not an object", path, segments[len(segments)-2])
	}
	return nil
}

func childOf(node any, seg, sofar string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		if !ok {
			return nil, fmt.Errorf("unknown field path: no field %q at %q", seg, sofar)
		}
		return child, nil
	case []any:
		idx, err := arrayIndex(seg, len(n), sofar)
		if err != nil {
			return nil, err
		}
		return n[idx], nil
	default:
		return nil, fmt.Errorf("field path %q traverses a leaf value", sofar)
	}
}

func arrayIndex(seg string, length int, path string) (int, error) {
	idx, err := strconv.Atoi(seg)
	if err != nil {
		return 0, fmt.Errorf("field path %q: %q is not an array index", path, seg)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("field path %q: index %d out of range (len %d)", path, idx, length)
	}
	return idx, nil
}
