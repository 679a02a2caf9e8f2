package catalog

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// nativeExtractor converts a binary container format to plain text. Only
// formats an extraction plan cannot express get one; everything else is
// seeded as a plan and runs through the same executor as generated handlers.
type nativeExtractor func(content []byte) (string, error)

// nativeExtractors is keyed by magic name from the format signature.
var nativeExtractors = map[string]nativeExtractor{
	"pdf": extractPDF,
	"zip": extractXLSX,
}

const (
	maxPDFPages     = 500
	maxNativeOutput = 4 << 20
)

// Builtins returns the handler set seeded into the catalog at startup.
// Seeding uses the same first-writer-wins registration as generated
// handlers, so re-seeding never clobbers anything.
func Builtins() []model.FormatHandler {
	decodePlan := `{"ops":[{"op":"decode","encoding":"utf-8"}]}`
	stripPlan := `{"ops":[{"op":"strip_markup"}]}`

	seeds := []struct {
		sig  model.FormatSignature
		plan string
	}{
		{model.FormatSignature{Ext: ".txt", Encoding: "utf-8", Shape: model.ShapeProse}, decodePlan},
		{model.FormatSignature{Ext: ".md", Encoding: "utf-8", Shape: model.ShapeProse}, decodePlan},
		{model.FormatSignature{Ext: ".csv", Encoding: "utf-8", Delimiter: ",", Shape: model.ShapeTabular}, decodePlan},
		{model.FormatSignature{Ext: ".tsv", Encoding: "utf-8", Delimiter: "\t", Shape: model.ShapeTabular}, decodePlan},
		{model.FormatSignature{Ext: ".json", Encoding: "utf-8", Shape: model.ShapeTree}, decodePlan},
		{model.FormatSignature{Ext: ".html", Encoding: "utf-8", Shape: model.ShapeTree}, stripPlan},
		{model.FormatSignature{Ext: ".htm", Encoding: "utf-8", Shape: model.ShapeTree}, stripPlan},
		{model.FormatSignature{Ext: ".xml", Encoding: "utf-8", Shape: model.ShapeTree}, stripPlan},
		{model.FormatSignature{Ext: ".pdf", Magic: "pdf", Shape: model.ShapeBinary}, ""},
		{model.FormatSignature{Ext: ".xlsx", Magic: "zip", Shape: model.ShapeBinary}, ""},
	}

	handlers := make([]model.FormatHandler, len(seeds))
	for i, s := range seeds {
		handlers[i] = model.FormatHandler{
			Signature: s.sig,
			Plan:      s.plan,
			Status:    model.HandlerProduction,
			Origin:    model.OriginBuiltin,
		}
	}
	return handlers
}

// extractPDF pulls plain text out of a PDF, page by page. Pages that fail
// extraction are skipped rather than failing the file.
func extractPDF(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", eris.Wrap(err, "catalog: open pdf")
	}

	totalPages := reader.NumPage()
	if totalPages == 0 {
		return "", eris.New("catalog: pdf has no pages")
	}
	if totalPages > maxPDFPages {
		totalPages = maxPDFPages
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		cleaned := normalizeWhitespace(strings.ReplaceAll(text, "\x00", ""))
		if cleaned == "" {
			continue
		}
		b.WriteString(cleaned)
		b.WriteString("\n\n")
		if b.Len() > maxNativeOutput {
			break
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// extractXLSX renders every sheet as tab-delimited lines so downstream
// chunking can keep rows intact.
func extractXLSX(content []byte) (string, error) {
	f, err := xlsx.OpenBinary(content)
	if err != nil {
		return "", eris.Wrap(err, "catalog: open xlsx")
	}

	var b strings.Builder
	for _, sheet := range f.Sheets {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sheet.Name)
		b.WriteString("\n")
		for _, row := range sheet.Rows {
			cells := make([]string, len(row.Cells))
			for i, cell := range row.Cells {
				cells[i] = strings.TrimSpace(cell.String())
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteString("\n")
			if b.Len() > maxNativeOutput {
				return b.String(), nil
			}
		}
	}
	return b.String(), nil
}

func normalizeWhitespace(text string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				if r == '\n' {
					b.WriteRune('\n')
				} else {
					b.WriteRune(' ')
				}
				lastWasSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return strings.TrimSpace(b.String())
}
