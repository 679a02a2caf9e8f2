package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexa-labs/cortexa/internal/model"
)

func TestClassify_TagsMatchingCapability(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	tags := c.Classify("The tax deduction schedule lists each exemption per filing year.")
	assert.Equal(t, []string{"tax-analysis"}, tags)
}

func TestClassify_NeutralTextGetsNoTags(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	assert.Empty(t, c.Classify("The weather was pleasant and the hills were green."))
}

func TestClassify_MultipleCapabilitiesSorted(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	text := "The contract termination clause affects revenue recognition for the fiscal quarter."
	tags := c.Classify(text)
	assert.Equal(t, []string{"financial-reporting", "legal-review"}, tags)
}

func TestClassify_SingleHitBelowFloor(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	assert.Empty(t, c.Classify("One mention of a contract proves nothing."))
}

func TestClassifyChunks_TagsInPlaceAndUnions(t *testing.T) {
	t.Parallel()

	c := NewClassifier(map[string][]string{
		"alpha": {"apple"},
		"beta":  {"banana"},
	})
	chunks := []model.Chunk{
		{Text: "apple apple pie"},
		{Text: "banana banana split"},
		{Text: "plain toast"},
	}
	union := c.ClassifyChunks(chunks)

	assert.Equal(t, []string{"alpha", "beta"}, union)
	require.Equal(t, []string{"alpha"}, chunks[0].Capabilities)
	require.Equal(t, []string{"beta"}, chunks[1].Capabilities)
	assert.Empty(t, chunks[2].Capabilities)
}
