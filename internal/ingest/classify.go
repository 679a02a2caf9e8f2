package ingest

import (
	"sort"
	"strings"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// minKeywordHits is the score floor below which a capability is not tagged.
const minKeywordHits = 2

// Classifier tags content with the capabilities it is relevant to by
// scoring keyword profiles. A chunk can carry zero or more capabilities;
// untagged chunks still load and remain searchable.
type Classifier struct {
	profiles map[string][]string
}

// DefaultProfiles returns the built-in capability keyword profiles.
func DefaultProfiles() map[string][]string {
	return map[string][]string{
		"tax-analysis": {
			"tax", "deduction", "withholding", "irs", "taxable",
			"depreciation", "filing", "exemption",
		},
		"legal-review": {
			"contract", "clause", "liability", "indemnif", "jurisdiction",
			"warranty", "termination", "breach",
		},
		"financial-reporting": {
			"revenue", "balance sheet", "ledger", "quarter", "ebitda",
			"cash flow", "fiscal", "audit",
		},
		"support-triage": {
			"ticket", "escalat", "incident", "resolution", "customer",
			"severity", "outage", "sla",
		},
	}
}

// NewClassifier creates a Classifier. Nil profiles fall back to the
// defaults.
func NewClassifier(profiles map[string][]string) *Classifier {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Classifier{profiles: profiles}
}

// Classify returns the capabilities whose keyword profiles score at or
// above the floor for text, sorted for determinism.
func (c *Classifier) Classify(text string) []string {
	lower := strings.ToLower(text)

	var tags []string
	for capability, keywords := range c.profiles {
		hits := 0
		for _, kw := range keywords {
			hits += strings.Count(lower, kw)
		}
		if hits >= minKeywordHits {
			tags = append(tags, capability)
		}
	}
	sort.Strings(tags)
	return tags
}

// ClassifyChunks tags every chunk in place and returns the union of
// capabilities seen across the document.
func (c *Classifier) ClassifyChunks(chunks []model.Chunk) []string {
	seen := make(map[string]struct{})
	for i := range chunks {
		tags := c.Classify(chunks[i].Text)
		chunks[i].Capabilities = tags
		for _, t := range tags {
			seen[t] = struct{}{}
		}
	}
	union := make([]string, 0, len(seen))
	for t := range seen {
		union = append(union, t)
	}
	sort.Strings(union)
	return union
}
