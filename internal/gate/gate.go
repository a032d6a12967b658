package gate

import (
	"fmt"
	"sort"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

// DefaultThreshold is the confidence at or above which a field is accepted without review.
const DefaultThreshold = 0.85

// Decision is the gate outcome together with the fields that drove it.
type Decision struct {
	Result        constants.ValidationResult
	Missing       []string
	LowConfidence []string
}

// Gate classifies extraction output as auto-accept, needs-review or rejected.
type Gate struct {
	threshold float64
	required  map[constants.FormTemplate][]string
}

// New builds a gate. required overrides constants.DefaultRequiredFields per template;
// templates it does not mention keep their default list.
func New(threshold float64, required map[string][]string) (*Gate, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("gate: threshold must be in (0, 1], got %v", threshold)
	}
	g := &Gate{threshold: threshold, required: map[constants.FormTemplate][]string{}}
	for t, fields := range constants.DefaultRequiredFields {
		g.required[t] = append([]string(nil), fields...)
	}
	for name, fields := range required {
		t, ok := constants.CanonicalizeTemplate(name)
		if !ok {
			return nil, fmt.Errorf("gate: unknown form template %q", name)
		}
		g.required[t] = append([]string(nil), fields...)
	}
	return g, nil
}

// Threshold returns the configured acceptance threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Required returns the required-field list for template.
func (g *Gate) Required(template constants.FormTemplate) []string {
	if fields, ok := g.required[template]; ok {
		return fields
	}
	return g.required[constants.TemplateDefault]
}

// Evaluate applies the gate. A required field is absent when it is missing from fields
// or was not detected (empty value or zero confidence).
func (g *Gate) Evaluate(template constants.FormTemplate, fields entity.FieldMap) Decision {
	var d Decision
	for _, name := range g.Required(template) {
		f, ok := fields[name]
		switch {
		case !ok || f.Value == "" || f.Confidence <= 0:
			d.Missing = append(d.Missing, name)
		case f.Confidence < g.threshold:
			d.LowConfidence = append(d.LowConfidence, name)
		}
	}
	sort.Strings(d.Missing)
	sort.Strings(d.LowConfidence)

	switch {
	case len(d.Missing) > 0:
		d.Result = constants.ValidationRejected
	case len(d.LowConfidence) > 0:
		d.Result = constants.ValidationNeedsReview
	default:
		d.Result = constants.ValidationAutoAccept
	}
	return d
}
