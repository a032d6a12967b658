package extract

import (
	"context"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

// Document is the input handed to a Provider.
type Document struct {
	Ref         string
	Bytes       []byte
	ContentType string
}

// RawField is a provider-reported field. A nil Confidence means the provider gave none.
type RawField struct {
	Value      string
	Confidence *float64
}

// RawResult is what a Provider returns. Fields may be partial.
type RawResult struct {
	Fields   map[string]RawField
	Template string
	Model    string
}

// Provider is the opaque OCR/vision + field-extraction capability.
// Errors should wrap common.ErrTransient or common.ErrPermanent.
type Provider interface {
	Extract(ctx context.Context, doc Document) (RawResult, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, doc Document) (RawResult, error)

func (f ProviderFunc) Extract(ctx context.Context, doc Document) (RawResult, error) {
	return f(ctx, doc)
}

// DocumentReader is the slice of the document store the engine reads through.
type DocumentReader interface {
	Get(ctx context.Context, actor entity.Actor, ref string) ([]byte, error)
}

// Result is the normalized extraction output.
type Result struct {
	Fields   entity.FieldMap
	Template constants.FormTemplate
	Model    string
	Attempts int
}
