// Package generator closes the gap between an unrecognized format signature
// and a production handler: it asks the generative service for an extraction
// plan, statically validates it, proves it in the sandbox against the real
// sample, and registers the survivor in the catalog.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/catalog"
	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/sandbox"
	"github.com/cortexa-labs/cortexa/pkg/genai"
)

// ErrExhausted reports that every synthesis attempt produced a plan that
// failed validation. The file that triggered generation is unsupported, not
// failed; the job keeps going.
var ErrExhausted = errors.New("generator: synthesis attempts exhausted")

// sampleCap bounds how much sample content is sent to the generative
// service per attempt.
const sampleCap = 8 * 1024

// Generator produces and validates handlers for unrecognized formats.
type Generator struct {
	client      genai.Client
	catalog     *catalog.Catalog
	exec        *sandbox.Executor
	maxAttempts int
}

// New creates a Generator. maxAttempts below 1 is clamped to 1.
func New(client genai.Client, cat *catalog.Catalog, exec *sandbox.Executor, maxAttempts int) *Generator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Generator{
		client:      client,
		catalog:     cat,
		exec:        exec,
		maxAttempts: maxAttempts,
	}
}

// EnsureHandler returns a production handler for the signature, generating
// one if the catalog has none. Concurrent callers for the same signature may
// both generate; first-writer-wins registration guarantees they converge on
// a single handler.
func (g *Generator) EnsureHandler(ctx context.Context, sig model.FormatSignature, sample []byte) (*model.FormatHandler, error) {
	h, err := g.catalog.Lookup(ctx, sig)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return g.generate(ctx, sig, sample)
}

func (g *Generator) generate(ctx context.Context, sig model.FormatSignature, sample []byte) (*model.FormatHandler, error) {
	if len(sample) > sampleCap {
		sample = sample[:sampleCap]
	}
	profile := profileString(sig)
	started := time.Now()

	var failures []genai.Failure
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		resp, err := g.client.SynthesizePlan(ctx, genai.PlanRequest{
			Profile:  profile,
			Sample:   string(sample),
			Failures: failures,
		})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(resp.Model, sig.Key())

		output, verr := g.vet(ctx, resp.Plan, sample)
		if verr != nil {
			zap.L().Warn("generated plan rejected",
				zap.String("signature", sig.Key()),
				zap.Int("attempt", attempt),
				zap.String("reason", verr.Error()),
			)
			failures = append(failures, genai.Failure{Plan: resp.Plan, Reason: verr.Error()})
			continue
		}

		handler := &model.FormatHandler{
			Signature: sig,
			Plan:      resp.Plan,
			Status:    model.HandlerProduction,
			Origin:    model.OriginGenerated,
			CreatedAt: time.Now().UTC(),
		}
		winner, won, err := g.catalog.Register(ctx, handler)
		if err != nil {
			return nil, err
		}
		zap.L().Info("handler generated",
			zap.String("signature", sig.Key()),
			zap.Int("attempts", attempt),
			zap.Bool("won_registration", won),
			zap.Duration("elapsed", time.Since(started)),
			zap.Int("sample_output_bytes", len(output)),
		)
		return winner, nil
	}

	zap.L().Warn("handler synthesis exhausted",
		zap.String("signature", sig.Key()),
		zap.Int("attempts", g.maxAttempts),
	)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrExhausted, sig.Key(), g.maxAttempts)
}

// vet runs a candidate plan through static validation and a sandboxed
// execution against the sample. Empty extraction output is a rejection:
// a handler that produces nothing from its own sample is useless.
func (g *Generator) vet(ctx context.Context, rawPlan string, sample []byte) (string, error) {
	plan, err := sandbox.ParsePlan(rawPlan)
	if err != nil {
		return "", err
	}

	output, err := g.exec.Execute(ctx, plan, sample)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(output) == "" {
		return "", model.NewValidationError("sandbox", "plan produced empty output from sample")
	}
	return output, nil
}

func profileString(sig model.FormatSignature) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ext=%s", sig.Ext)
	if sig.Encoding != "" {
		fmt.Fprintf(&b, " encoding=%s", sig.Encoding)
	}
	if sig.Delimiter != "" {
		fmt.Fprintf(&b, " delimiter=%q", sig.Delimiter)
	}
	if sig.Magic != "" {
		fmt.Fprintf(&b, " magic=%s", sig.Magic)
	}
	fmt.Fprintf(&b, " shape=%s", sig.Shape)
	return b.String()
}
