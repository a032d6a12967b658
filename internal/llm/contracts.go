package llm

import (
	"context"

	"github.com/joseph-ayodele/faxrelay/internal/ocr"
)

// FieldEntry is one field as the model reports it.
type FieldEntry struct {
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// FormFields is the normalized shape we want from the LLM.
type FormFields struct {
	FormType string                `json:"form_type"`
	Fields   map[string]FieldEntry `json:"fields"`
}

// ExtractRequest carries everything the prompt is built from.
type ExtractRequest struct {
	// HintText is OCR text of the document, possibly empty.
	HintText       string
	HintConfidence float64
	Template       string

	ContentType string
	Document    []byte
}

// HintReader produces OCR hint text for a document.
type HintReader interface {
	ReadText(ctx context.Context, data []byte, contentType string) (ocr.Result, error)
}
