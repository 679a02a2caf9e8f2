// Package catalog owns the shared format-handler catalog: computing format
// signatures from file content, seeding builtin handlers, and serving
// first-writer-wins registration for generated ones. Format knowledge is
// shared across every tenant; file content never is.
package catalog

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// HeadSampleBytes is how much of a file the profiler reads to compute its
// signature. Enough to sniff structure without pulling whole files into
// memory.
const HeadSampleBytes = 64 * 1024

// magic prefixes for container formats the profiler recognizes.
var magicPrefixes = []struct {
	prefix []byte
	name   string
}{
	{[]byte("%PDF"), "pdf"},
	{[]byte("PK\x03\x04"), "zip"},
	{[]byte("\x89PNG"), "png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "jpeg"},
	{[]byte("GIF8"), "gif"},
	{[]byte("SQLite format 3"), "sqlite"},
}

// candidate delimiters for tabular sniffing, in priority order.
var delimiterCandidates = []string{"\t", ",", "|", ";"}

// Compute derives a format signature from a filename and the head of its
// content. The same structural profile always yields the same signature,
// which is what makes cross-tenant handler reuse safe.
func Compute(filename string, head []byte) model.FormatSignature {
	if len(head) > HeadSampleBytes {
		head = head[:HeadSampleBytes]
	}

	sig := model.FormatSignature{
		Ext: strings.ToLower(filepath.Ext(filename)),
	}

	if magic := sniffMagic(head); magic != "" {
		sig.Magic = magic
		sig.Shape = model.ShapeBinary
		return sig
	}
	if looksBinary(head) {
		sig.Shape = model.ShapeBinary
		return sig
	}

	sig.Encoding = sniffEncoding(head)
	text := decodeHead(head)

	if delim, ok := sniffDelimiter(text); ok {
		sig.Delimiter = delim
		sig.Shape = model.ShapeTabular
		return sig
	}
	if looksTree(text) {
		sig.Shape = model.ShapeTree
		return sig
	}
	sig.Shape = model.ShapeProse
	return sig
}

func sniffMagic(head []byte) string {
	for _, m := range magicPrefixes {
		if bytes.HasPrefix(head, m.prefix) {
			return m.name
		}
	}
	return ""
}

// looksBinary reports whether the head contains control bytes that no text
// encoding in use produces.
func looksBinary(head []byte) bool {
	if len(head) == 0 {
		return false
	}
	n := 0
	for _, b := range head {
		if b == 0 || (b < 0x09 && b != 0) {
			n++
		}
	}
	return n*100 > len(head) // over 1% suspicious bytes
}

func sniffEncoding(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xFE}):
		return "utf-16le"
	case bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
		return "utf-16be"
	case bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8"
	case utf8.Valid(head):
		return "utf-8"
	default:
		return "windows-1252"
	}
}

func decodeHead(head []byte) string {
	head = bytes.TrimPrefix(head, []byte{0xEF, 0xBB, 0xBF})
	return string(head)
}

// sniffDelimiter looks for a delimiter that appears a consistent number of
// times per line across the sampled lines. Two consistent lines make a
// tabular shape.
func sniffDelimiter(text string) (string, bool) {
	lines := sampleLines(text, 20)
	if len(lines) < 2 {
		return "", false
	}

	for _, delim := range delimiterCandidates {
		count := strings.Count(lines[0], delim)
		if count == 0 {
			continue
		}
		consistent := true
		for _, line := range lines[1:] {
			if strings.Count(line, delim) != count {
				consistent = false
				break
			}
		}
		if consistent {
			return delim, true
		}
	}
	return "", false
}

func sampleLines(text string, limit int) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == limit {
			break
		}
	}
	// The final line of the sample may be cut mid-record; drop it so a
	// truncated row doesn't break delimiter consistency.
	if len(lines) > 2 && !strings.HasSuffix(text, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func looksTree(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "{") ||
		strings.HasPrefix(trimmed, "[") ||
		strings.HasPrefix(trimmed, "<")
}
