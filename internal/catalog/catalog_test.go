package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/sandbox"
)

// fakeHandlerStore is an in-memory HandlerStore with first-writer-wins
// registration, mirroring the SQL stores.
type fakeHandlerStore struct {
	mu       sync.Mutex
	handlers map[string]model.FormatHandler
}

func newFakeHandlerStore() *fakeHandlerStore {
	return &fakeHandlerStore{handlers: make(map[string]model.FormatHandler)}
}

func (f *fakeHandlerStore) GetHandler(_ context.Context, key string) (*model.FormatHandler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &h, nil
}

func (f *fakeHandlerStore) RegisterHandler(_ context.Context, h *model.FormatHandler) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := h.Signature.Key()
	if _, ok := f.handlers[key]; ok {
		return false, nil
	}
	f.handlers[key] = *h
	return true, nil
}

func (f *fakeHandlerStore) SeedHandlers(ctx context.Context, hs []model.FormatHandler) error {
	for i := range hs {
		if _, err := f.RegisterHandler(ctx, &hs[i]); err != nil {
			return err
		}
	}
	return nil
}

func newTestCatalog(t *testing.T) (*Catalog, *fakeHandlerStore) {
	t.Helper()
	fs := newFakeHandlerStore()
	c := New(fs, sandbox.NewExecutor(time.Second, 0, 0))
	require.NoError(t, c.Seed(context.Background()))
	return c, fs
}

func TestSeed_BuiltinPlansAreValid(t *testing.T) {
	t.Parallel()

	for _, h := range Builtins() {
		if h.Plan == "" {
			continue
		}
		_, err := sandbox.ParsePlan(h.Plan)
		assert.NoError(t, err, "builtin %s", h.Signature.Key())
	}
}

func TestLookup_BuiltinCSV(t *testing.T) {
	t.Parallel()
	c, _ := newTestCatalog(t)

	sig := Compute("users.csv", []byte("a,b\nc,d\n"))
	h, err := c.Lookup(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, model.OriginBuiltin, h.Origin)
	assert.Equal(t, model.HandlerProduction, h.Status)
}

func TestLookup_UnknownSignature(t *testing.T) {
	t.Parallel()
	c, _ := newTestCatalog(t)

	sig := Compute("legacy.dat", []byte("a|b\nc|d\n"))
	_, err := c.Lookup(context.Background(), sig)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestLookup_FallsBackToStore(t *testing.T) {
	t.Parallel()
	c, fs := newTestCatalog(t)
	ctx := context.Background()

	// Simulate another node writing a handler directly to the store.
	sig := model.FormatSignature{Ext: ".dat", Encoding: "utf-8", Delimiter: "|", Shape: model.ShapeTabular}
	_, err := fs.RegisterHandler(ctx, &model.FormatHandler{
		Signature: sig,
		Plan:      `{"ops":[{"op":"split_records","delimiter":"\\n"},{"op":"join","separator":"\\n"}]}`,
		Status:    model.HandlerProduction,
		Origin:    model.OriginGenerated,
	})
	require.NoError(t, err)

	h, err := c.Lookup(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, model.OriginGenerated, h.Origin)
}

func TestRegister_FirstWriterWins(t *testing.T) {
	t.Parallel()
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	sig := model.FormatSignature{Ext: ".log", Encoding: "utf-8", Delimiter: "|", Shape: model.ShapeTabular}
	first := &model.FormatHandler{Signature: sig, Plan: `{"ops":[{"op":"join"}]}`, Status: model.HandlerProduction, Origin: model.OriginGenerated}
	winner, won, err := c.Register(ctx, first)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, first.Plan, winner.Plan)

	second := &model.FormatHandler{Signature: sig, Plan: `{"ops":[{"op":"strip_markup"}]}`, Status: model.HandlerProduction, Origin: model.OriginGenerated}
	winner, won, err = c.Register(ctx, second)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, first.Plan, winner.Plan, "loser must adopt the winning handler")

	// Lookup serves the winner.
	h, err := c.Lookup(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, first.Plan, h.Plan)
}

func TestExtract_PlanBasedCSV(t *testing.T) {
	t.Parallel()
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	sig := Compute("users.csv", []byte("name,role\nalice,admin\n"))
	h, err := c.Lookup(ctx, sig)
	require.NoError(t, err)

	out, err := c.Extract(ctx, h, []byte("name,role\nalice,admin\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "alice,admin")
}

func TestExtract_StripsHTML(t *testing.T) {
	t.Parallel()
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	sig := Compute("page.html", []byte("<html><p>policy text</p></html>"))
	h, err := c.Lookup(ctx, sig)
	require.NoError(t, err)

	out, err := c.Extract(ctx, h, []byte("<html><p>policy text</p></html>"))
	require.NoError(t, err)
	assert.Contains(t, out, "policy text")
	assert.NotContains(t, out, "<p>")
}

func TestExtract_RejectsNonProduction(t *testing.T) {
	t.Parallel()
	c, _ := newTestCatalog(t)

	h := &model.FormatHandler{
		Signature: model.FormatSignature{Ext: ".dat", Shape: model.ShapeTabular},
		Plan:      `{"ops":[{"op":"join"}]}`,
		Status:    model.HandlerSandboxPassed,
		Origin:    model.OriginGenerated,
	}
	_, err := c.Extract(context.Background(), h, []byte("x"))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}
