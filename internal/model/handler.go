package model

import (
	"fmt"
	"strings"
	"time"
)

// FormatShape is the coarse structural class detected for a file.
type FormatShape string

// Structural shapes used in format signatures.
const (
	ShapeTabular FormatShape = "tabular"
	ShapeTree    FormatShape = "tree"
	ShapeProse   FormatShape = "prose"
	ShapeBinary  FormatShape = "binary"
)

// FormatSignature is the derived fingerprint identifying a file's structural
// type. It is the Handler Catalog's lookup key and is immutable once
// computed for a given file.
type FormatSignature struct {
	Ext       string      `json:"ext"`
	Encoding  string      `json:"encoding"`
	Delimiter string      `json:"delimiter,omitempty"`
	Magic     string      `json:"magic,omitempty"`
	Shape     FormatShape `json:"shape"`
}

// delimiterNames spell delimiters in signature keys, since the pipe doubles
// as the key's own field separator.
var delimiterNames = map[string]string{
	"\t": "tab",
	",":  "comma",
	"|":  "pipe",
	";":  "semicolon",
}

var delimiterValues = func() map[string]string {
	m := make(map[string]string, len(delimiterNames))
	for v, n := range delimiterNames {
		m[n] = v
	}
	return m
}()

// Key renders the signature as a stable catalog key. Two files with the
// same structural profile produce the same key regardless of tenant.
func (s FormatSignature) Key() string {
	delim := s.Delimiter
	if n, ok := delimiterNames[delim]; ok {
		delim = n
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", s.Ext, s.Encoding, delim, s.Magic, s.Shape)
}

// ParseSignatureKey reconstructs a FormatSignature from its catalog key.
func ParseSignatureKey(key string) (FormatSignature, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 5 {
		return FormatSignature{}, fmt.Errorf("malformed signature key %q", key)
	}
	delim := parts[2]
	if v, ok := delimiterValues[delim]; ok {
		delim = v
	}
	return FormatSignature{
		Ext:       parts[0],
		Encoding:  parts[1],
		Delimiter: delim,
		Magic:     parts[3],
		Shape:     FormatShape(parts[4]),
	}, nil
}

// HandlerStatus is the validation status of a format handler.
type HandlerStatus string

// Handler lifecycle states. Only production handlers serve extraction.
const (
	HandlerUnverified    HandlerStatus = "unverified"
	HandlerSandboxPassed HandlerStatus = "sandbox_passed"
	HandlerProduction    HandlerStatus = "production"
)

// HandlerOrigin distinguishes seeded handlers from generated ones.
type HandlerOrigin string

// Handler origins.
const (
	OriginBuiltin   HandlerOrigin = "builtin"
	OriginGenerated HandlerOrigin = "generated"
)

// FormatHandler owns the extraction routine for one format signature.
// Builtin handlers are seeded at startup; generated handlers carry the
// extraction plan produced by the generative service and are promoted to
// production only after passing sandbox validation on a real sample.
// Format knowledge is shared across tenants; tenant content is not.
type FormatHandler struct {
	Signature FormatSignature `json:"signature"`
	Plan      string          `json:"plan,omitempty"`
	Status    HandlerStatus   `json:"status"`
	Origin    HandlerOrigin   `json:"origin"`
	CreatedAt time.Time       `json:"created_at"`
}
