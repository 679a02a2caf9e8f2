package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// Chunker cuts extracted text into bounded, structure-preserving chunks.
// Tables and list runs stay whole where the size bound allows; prose is
// packed paragraph by paragraph with overlap between adjacent chunks so
// context survives the cut.
type Chunker struct {
	MaxRunes int
	Overlap  int
}

// NewChunker creates a Chunker. Non-positive bounds fall back to defaults.
func NewChunker(maxRunes, overlap int) *Chunker {
	c := &Chunker{MaxRunes: maxRunes, Overlap: overlap}
	if c.MaxRunes <= 0 {
		c.MaxRunes = 1600
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxRunes {
		c.Overlap = c.MaxRunes / 8
	}
	return c
}

// block is one structural unit of the source text.
type block struct {
	kind   model.ChunkKind
	text   string
	offset int
}

// Chunk splits text into chunks for the given document.
func (c *Chunker) Chunk(documentID, text string) []model.Chunk {
	blocks := splitBlocks(text)
	var chunks []model.Chunk

	var cur strings.Builder
	curOffset := 0
	curKind := model.ChunkParagraph
	curRunes := 0

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, model.Chunk{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			Index:      len(chunks),
			Offset:     curOffset,
			Kind:       curKind,
			Text:       strings.TrimSpace(cur.String()),
		})
		cur.Reset()
		curRunes = 0
	}

	for _, b := range blocks {
		bRunes := utf8.RuneCountInString(b.text)

		// Oversized single blocks are split on the rune bound with overlap.
		if bRunes > c.MaxRunes {
			flush()
			for _, piece := range c.splitOversized(b.text) {
				chunks = append(chunks, model.Chunk{
					ID:         uuid.New().String(),
					DocumentID: documentID,
					Index:      len(chunks),
					Offset:     b.offset,
					Kind:       b.kind,
					Text:       piece,
				})
			}
			continue
		}

		// Structural boundaries (table or list next to prose) and the size
		// bound both force a new chunk.
		if cur.Len() > 0 && (curRunes+bRunes > c.MaxRunes || b.kind != curKind) {
			overlapTail := tailRunes(cur.String(), c.Overlap)
			flush()
			if b.kind == curKind && overlapTail != "" {
				cur.WriteString(overlapTail)
				cur.WriteString("\n")
				curRunes = utf8.RuneCountInString(overlapTail) + 1
			}
		}

		if cur.Len() == 0 {
			curOffset = b.offset
			curKind = b.kind
		}
		cur.WriteString(b.text)
		cur.WriteString("\n\n")
		curRunes += bRunes + 2
	}
	flush()

	return chunks
}

func (c *Chunker) splitOversized(text string) []string {
	runes := []rune(text)
	var pieces []string
	step := c.MaxRunes - c.Overlap
	for start := 0; start < len(runes); start += step {
		end := min(start+c.MaxRunes, len(runes))
		pieces = append(pieces, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}
	return pieces
}

// splitBlocks segments text into headings, tables, lists, and paragraphs.
// Consecutive table rows or list items form one block so rows travel
// together.
func splitBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var blocks []block

	var cur []string
	var curKind model.ChunkKind
	curOffset := 0
	offset := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, block{
			kind:   curKind,
			text:   strings.Join(cur, "\n"),
			offset: curOffset,
		})
		cur = nil
	}

	for _, line := range lines {
		lineOffset := offset
		offset += len(line) + 1
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			flush()
			continue
		}

		kind := lineKind(trimmed)
		if kind == model.ChunkHeading {
			flush()
			blocks = append(blocks, block{kind: model.ChunkHeading, text: trimmed, offset: lineOffset})
			continue
		}

		if len(cur) > 0 && kind != curKind {
			flush()
		}
		if len(cur) == 0 {
			curKind = kind
			curOffset = lineOffset
		}
		cur = append(cur, line)
	}
	flush()

	return blocks
}

func lineKind(trimmed string) model.ChunkKind {
	switch {
	case strings.HasPrefix(trimmed, "#"):
		return model.ChunkHeading
	case strings.Contains(trimmed, "\t"), strings.Count(trimmed, "|") >= 2:
		return model.ChunkTable
	case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "), isOrderedItem(trimmed):
		return model.ChunkList
	default:
		return model.ChunkParagraph
	}
}

func isOrderedItem(s string) bool {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')')
}

func tailRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	tail := string(runes[len(runes)-n:])
	// Start the overlap at a word boundary when one is near.
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}
