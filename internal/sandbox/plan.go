// Package sandbox validates and executes extraction plans: small declarative
// programs that turn an unrecognized file format into plain text. Plans come
// from the generative service and are untrusted until they pass static
// validation and a bounded execution against a real sample.
package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// Op names accepted by the static validator. Anything else is rejected
// before execution is attempted.
const (
	OpDecode       = "decode"
	OpStripMarkup  = "strip_markup"
	OpSplitRecords = "split_records"
	OpSelectFields = "select_fields"
	OpJoin         = "join"
)

// Plan is a validated sequence of extraction ops.
type Plan struct {
	Ops []Op `json:"ops"`
}

// Op is one step of a plan. Fields beyond Op are op-specific.
type Op struct {
	Op             string `json:"op"`
	Encoding       string `json:"encoding,omitempty"`
	Delimiter      string `json:"delimiter,omitempty"`
	Fields         []int  `json:"fields,omitempty"`
	FieldDelimiter string `json:"field_delimiter,omitempty"`
	Separator      string `json:"separator,omitempty"`
}

// maxPlanBytes bounds how large a plan document may be. Real plans are a few
// hundred bytes; anything bigger is the model misbehaving.
const maxPlanBytes = 16 * 1024

// ParsePlan statically validates raw plan JSON. Failures are
// model.ValidationError values with stage "static" and a reason suitable for
// feeding back to the generative service.
func ParsePlan(raw string) (*Plan, error) {
	if len(raw) > maxPlanBytes {
		return nil, model.NewValidationError("static", "plan exceeds %d bytes", maxPlanBytes)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, model.NewValidationError("static", "plan is not valid JSON: %v", err)
	}
	if len(p.Ops) == 0 {
		return nil, model.NewValidationError("static", "plan has no ops")
	}

	for i, op := range p.Ops {
		if err := validateOp(i, op); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func validateOp(i int, op Op) error {
	switch op.Op {
	case OpDecode:
		if op.Encoding == "" {
			return model.NewValidationError("static", "op %d: decode requires encoding", i)
		}
	case OpStripMarkup:
		// No arguments.
	case OpSplitRecords:
		if op.Delimiter == "" {
			return model.NewValidationError("static", "op %d: split_records requires delimiter", i)
		}
	case OpSelectFields:
		if len(op.Fields) == 0 {
			return model.NewValidationError("static", "op %d: select_fields requires fields", i)
		}
		if op.FieldDelimiter == "" {
			return model.NewValidationError("static", "op %d: select_fields requires field_delimiter", i)
		}
		for _, f := range op.Fields {
			if f < 0 {
				return model.NewValidationError("static", "op %d: negative field index %d", i, f)
			}
		}
	case OpJoin:
		// Separator may be empty; that means direct concatenation.
	default:
		return model.NewValidationError("static", "op %d: unknown op %q", i, op.Op)
	}
	return nil
}
