package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexa-labs/cortexa/internal/model"
)

func TestParsePlan_Valid(t *testing.T) {
	t.Parallel()

	raw := `{"ops":[
		{"op":"decode","encoding":"utf-8"},
		{"op":"split_records","delimiter":"\\n"},
		{"op":"select_fields","fields":[0,2],"field_delimiter":"|"},
		{"op":"join","separator":"\\n"}
	]}`
	p, err := ParsePlan(raw)
	require.NoError(t, err)
	assert.Len(t, p.Ops, 4)
}

func TestParsePlan_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"not json", `ops: decode`, "not valid JSON"},
		{"empty ops", `{"ops":[]}`, "no ops"},
		{"unknown op", `{"ops":[{"op":"eval"}]}`, `unknown op "eval"`},
		{"unknown field", `{"ops":[{"op":"join"}],"shell":"/bin/sh"}`, "not valid JSON"},
		{"decode without encoding", `{"ops":[{"op":"decode"}]}`, "requires encoding"},
		{"split without delimiter", `{"ops":[{"op":"split_records"}]}`, "requires delimiter"},
		{"select without fields", `{"ops":[{"op":"select_fields","field_delimiter":","}]}`, "requires fields"},
		{"negative field index", `{"ops":[{"op":"select_fields","fields":[-1],"field_delimiter":","}]}`, "negative field index"},
		{"oversized plan", `{"ops":[{"op":"join","separator":"` + strings.Repeat("x", maxPlanBytes) + `"}]}`, "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePlan(tt.raw)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "want ValidationError, got %T", err)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}
