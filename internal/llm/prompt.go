package llm

import (
	"strings"

	"github.com/joseph-ayodele/faxrelay/constants"
)

var templateGuidance = map[constants.FormTemplate]string{
	constants.TemplateProviderFax: "This is a provider (prescriber) fax form. Patient fields are prefixed 'patient_', prescriber fields 'prescriber_'. " +
		"The NPI number is exactly 10 digits. Put medication, strength and quantity into 'prescription_info'.",
	constants.TemplateOTCFax: "This is an over-the-counter (OTC) benefit order form. The member id is usually printed near the top. " +
		"List ordered items in 'otc_items' separated by semicolons.",
	constants.TemplateDefault: "The layout is unknown. Extract the patient identity, the sending provider and a one-sentence 'content_summary'.",
}

// BuildSystemPrompt composes the system message for one form template.
func BuildSystemPrompt(template constants.FormTemplate) string {
	fields := constants.TemplateFields[template]
	if len(fields) == 0 {
		template = constants.TemplateDefault
		fields = constants.TemplateFields[template]
	}

	parts := []string{
		"You read faxed healthcare forms. Return ONLY JSON that matches the provided JSON Schema.",
		"Shape: {\"form_type\": one of [" + strings.Join(constants.TemplatesAsStringSlice(), ", ") + "], " +
			"\"fields\": {<name>: {\"value\": string, \"confidence\": number between 0 and 1}}}.",
		"Expected field names: " + strings.Join(fields, ", ") + ".",
		templateGuidance[template],
		"Confidence is your probability that the value was read correctly; use lower values for handwriting or smudged text.",
		"Dates use ISO-8601 (YYYY-MM-DD). Phone and fax numbers keep only digits and a leading '+'.",
		"Never guess. If a field is not legible or not present, omit it. Never output null.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt packages the OCR hint text. When the document itself is attached the
// hint is still included but labelled as possibly inaccurate.
func BuildUserPrompt(req ExtractRequest, documentAttached bool) string {
	var b strings.Builder
	if t := strings.TrimSpace(req.Template); t != "" {
		b.WriteString("Detected form type: ")
		b.WriteString(t)
		b.WriteString("\n")
	}

	hint := strings.TrimSpace(req.HintText)
	if hint != "" {
		if documentAttached {
			b.WriteString("\nOCR text (may contain recognition errors; prefer the attached document):\n")
		} else {
			b.WriteString("\nOCR text:\n")
		}
		text, cut := truncateRunes(hint, HintCharLimit)
		b.WriteString(text)
		if cut {
			b.WriteString("\n…(truncated)")
		}
		b.WriteString("\n")
	} else if !documentAttached {
		b.WriteString("\nNo text could be read from this document. Return an empty 'fields' object.\n")
	}

	if documentAttached {
		b.WriteString("\nThe faxed document is attached.\n")
	}
	return b.String()
}
