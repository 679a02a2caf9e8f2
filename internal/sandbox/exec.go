package sandbox

import (
	"context"
	"html"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// Executor runs plans inside hard resource bounds. The same executor runs
// both sandbox validation and production extraction; passing validation
// therefore guarantees the plan stays inside production limits too.
//
// Plans are declarative and the op set is closed, so the executor is the
// entire attack surface: no plan can reach the filesystem, the network, or
// another tenant's data. Swapping in a stronger isolation mechanism only
// requires replacing this type.
type Executor struct {
	// WallClock bounds one execution end to end.
	WallClock time.Duration
	// MaxInputBytes truncates the input before the first op runs.
	MaxInputBytes int
	// MaxOutputBytes aborts execution when intermediate or final text
	// exceeds the cap.
	MaxOutputBytes int
}

// NewExecutor creates an Executor with the given bounds. Zero values fall
// back to conservative defaults.
func NewExecutor(wallClock time.Duration, maxInputBytes, maxOutputBytes int) *Executor {
	e := &Executor{
		WallClock:      wallClock,
		MaxInputBytes:  maxInputBytes,
		MaxOutputBytes: maxOutputBytes,
	}
	if e.WallClock <= 0 {
		e.WallClock = 2 * time.Second
	}
	if e.MaxInputBytes <= 0 {
		e.MaxInputBytes = 1 << 20
	}
	if e.MaxOutputBytes <= 0 {
		e.MaxOutputBytes = 4 << 20
	}
	return e
}

// state is the value flowing between ops: raw text or split records.
type state struct {
	text    string
	records []string
	split   bool
}

func (s *state) asText() string {
	if s.split {
		return strings.Join(s.records, "\n")
	}
	return s.text
}

func (s *state) size() int {
	if s.split {
		n := 0
		for _, r := range s.records {
			n += len(r)
		}
		return n
	}
	return len(s.text)
}

// Execute runs a plan against input and returns the extracted text. Faults
// are model.ValidationError values with stage "sandbox".
func (e *Executor) Execute(ctx context.Context, plan *Plan, input []byte) (string, error) {
	if len(input) > e.MaxInputBytes {
		input = input[:e.MaxInputBytes]
	}

	ctx, cancel := context.WithTimeout(ctx, e.WallClock)
	defer cancel()

	st := &state{text: string(input)}
	for i, op := range plan.Ops {
		if err := ctx.Err(); err != nil {
			return "", model.NewValidationError("sandbox", "wall clock exceeded at op %d", i)
		}

		var err error
		switch op.Op {
		case OpDecode:
			err = e.applyDecode(st, op)
		case OpStripMarkup:
			e.applyStripMarkup(st)
		case OpSplitRecords:
			e.applySplitRecords(st, op)
		case OpSelectFields:
			err = e.applySelectFields(ctx, st, op)
		case OpJoin:
			e.applyJoin(st, op)
		default:
			// Unreachable for parsed plans; guards hand-built ones.
			return "", model.NewValidationError("sandbox", "op %d: unknown op %q", i, op.Op)
		}
		if err != nil {
			return "", err
		}

		if st.size() > e.MaxOutputBytes {
			return "", model.NewValidationError("sandbox", "output exceeds %d bytes at op %d", e.MaxOutputBytes, i)
		}
	}

	return st.asText(), nil
}

func (e *Executor) applyDecode(st *state, op Op) error {
	enc, err := ianaindex.IANA.Encoding(op.Encoding)
	if err != nil || enc == nil {
		return model.NewValidationError("sandbox", "unknown encoding %q", op.Encoding)
	}
	decoded, err := enc.NewDecoder().String(st.asText())
	if err != nil {
		return model.NewValidationError("sandbox", "decode %s: %v", op.Encoding, err)
	}
	*st = state{text: decoded}
	return nil
}

// applyStripMarkup removes tag-like spans and decodes HTML entities. It is a
// byte scanner, not a parser; malformed markup degrades to passthrough text
// rather than an error.
func (e *Executor) applyStripMarkup(st *state) {
	var b strings.Builder
	inTag := false
	for _, r := range st.asText() {
		switch {
		case r == '<':
			inTag = true
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	*st = state{text: html.UnescapeString(b.String())}
}

func (e *Executor) applySplitRecords(st *state, op Op) {
	records := strings.Split(st.asText(), unescapeDelimiter(op.Delimiter))
	// Drop empty records so blank lines don't become empty rows.
	kept := records[:0]
	for _, r := range records {
		if strings.TrimSpace(r) != "" {
			kept = append(kept, r)
		}
	}
	*st = state{records: kept, split: true}
}

func (e *Executor) applySelectFields(ctx context.Context, st *state, op Op) error {
	if !st.split {
		return model.NewValidationError("sandbox", "select_fields requires split_records first")
	}
	delim := unescapeDelimiter(op.FieldDelimiter)

	out := make([]string, 0, len(st.records))
	for i, rec := range st.records {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return model.NewValidationError("sandbox", "wall clock exceeded in select_fields")
			}
		}
		fields := strings.Split(rec, delim)
		picked := make([]string, 0, len(op.Fields))
		for _, fi := range op.Fields {
			if fi < len(fields) {
				picked = append(picked, strings.TrimSpace(fields[fi]))
			}
		}
		out = append(out, strings.Join(picked, " "))
	}
	st.records = out
	return nil
}

func (e *Executor) applyJoin(st *state, op Op) {
	if !st.split {
		return
	}
	*st = state{text: strings.Join(st.records, unescapeDelimiter(op.Separator))}
}

// unescapeDelimiter maps the escape spellings models produce ("\n", "\t")
// to their literal characters.
func unescapeDelimiter(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r")
	return r.Replace(s)
}
