// Package inspect validates v0 upload contents by mime type before admission
// stores them. Types without a registered inspector pass through untouched.
package inspect

import (
	"bytes"
	"fmt"

	pdf "github.com/ledongthuc/pdf"
)

// Inspector checks that uploaded bytes are well formed for one mime type.
type Inspector interface {
	Inspect(data []byte) error
}

// Registry maps mime types to inspectors.
type Registry struct {
	inspectors map[string]Inspector
}

// NewRegistry constructs a registry preloaded with the built-in PDF
// inspector.
func NewRegistry() *Registry {
	r := &Registry{inspectors: make(map[string]Inspector)}
	r.Register("application/pdf", PDFInspector{})
	return r
}

// Register binds a mime type to an inspector.
func (r *Registry) Register(mimeType string, i Inspector) {
	r.inspectors[mimeType] = i
}

// Check runs the inspector registered for mimeType, if any.
func (r *Registry) Check(mimeType string, data []byte) error {
	i, ok := r.inspectors[mimeType]
	if !ok {
		return nil
	}
	if err := i.Inspect(data); err != nil {
		return fmt.Errorf("inspect %s: %w", mimeType, err)
	}
	return nil
}

// PDFInspector rejects uploads that do not parse as PDF.
type PDFInspector struct{}

func (PDFInspector) Inspect(data []byte) error {
	reader := bytes.NewReader(data)
	if _, err := pdf.NewReader(reader, int64(len(data))); err != nil {
		return fmt.Errorf("parse pdf: %w", err)
	}
	return nil
}
