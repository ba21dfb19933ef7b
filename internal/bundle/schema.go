package bundle

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Validate checks a raw manifest against the package schema. Token strings
// may carry raw bytes >= 0x80 that are not UTF-8; they are validated as
// \u00XX escapes of the same bytes.
func Validate(raw []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(escapeHighBytes(raw))
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrSchema, result.Errors)
}

// escapeHighBytes rewrites every byte >= 0x80 as a \u00XX escape. Such bytes
// can only occur inside strings, so the document's structure is unchanged.
func escapeHighBytes(raw []byte) []byte {
	n := 0
	for _, c := range raw {
		if c >= utf8.RuneSelf {
			n++
		}
	}
	if n == 0 {
		return raw
	}
	out := make([]byte, 0, len(raw)+5*n)
	for _, c := range raw {
		if c < utf8.RuneSelf {
			out = append(out, c)
			continue
		}
		out = append(out, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
	}
	return out
}

const hexDigits = "0123456789abcdef"

// Fingerprint is the sha256 of the RFC 8785 canonical form of the manifest,
// hex encoded. Equal manifests fingerprint equally regardless of key order or
// whitespace in the file they came from.
func Fingerprint(m *Manifest) (string, error) {
	raw, err := json.Marshal(m.normalized())
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
