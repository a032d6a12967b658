package constants

import (
	"strings"
)

// FormTemplate identifies the layout of an inbound fax form.
type FormTemplate string

const (
	TemplateProviderFax FormTemplate = "provider_fax_form"
	TemplateOTCFax      FormTemplate = "otc_fax_form"
	TemplateDefault     FormTemplate = "default"
)

var allTemplates = []FormTemplate{
	TemplateProviderFax,
	TemplateOTCFax,
	TemplateDefault,
}

func TemplatesAsStringSlice() []string {
	result := make([]string, len(allTemplates))
	for i, t := range allTemplates {
		result[i] = string(t)
	}
	return result
}

// TemplateFields lists the fields each template is expected to carry, in form order.
var TemplateFields = map[FormTemplate][]string{
	TemplateProviderFax: {
		"patient_first_name",
		"patient_last_name",
		"patient_member_id",
		"patient_date_of_birth",
		"patient_phone",
		"prescriber_first_name",
		"prescriber_last_name",
		"prescriber_npi_number",
		"prescriber_phone",
		"prescriber_fax_number",
		"prescription_info",
		"diagnosis_code",
	},
	TemplateOTCFax: {
		"member_id",
		"first_name",
		"last_name",
		"date_of_birth",
		"phone",
		"address",
		"otc_items",
		"signature_date",
	},
	TemplateDefault: {
		"patient_name",
		"date_of_birth",
		"member_id",
		"provider_name",
		"provider_npi",
		"content_summary",
	},
}

// DefaultRequiredFields is the required-field list used by the confidence gate when none is configured.
var DefaultRequiredFields = map[FormTemplate][]string{
	TemplateProviderFax: {"patient_first_name", "patient_last_name", "patient_date_of_birth", "prescriber_npi_number"},
	TemplateOTCFax:      {"member_id", "first_name", "last_name", "date_of_birth"},
	TemplateDefault:     {"patient_name", "date_of_birth"},
}

// CanonicalizeTemplate maps a provider-reported template name to a known template.
// Unknown input yields TemplateDefault and false.
func CanonicalizeTemplate(input string) (FormTemplate, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return TemplateDefault, false
	}
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	for _, t := range allTemplates {
		if normalized == string(t) {
			return t, true
		}
	}

	synonyms := map[string]FormTemplate{
		"provider":         TemplateProviderFax,
		"provider_fax":     TemplateProviderFax,
		"prescriber_form":  TemplateProviderFax,
		"otc":              TemplateOTCFax,
		"otc_fax":          TemplateOTCFax,
		"otc_form":         TemplateOTCFax,
		"over_the_counter": TemplateOTCFax,
		"generic":          TemplateDefault,
		"unknown":          TemplateDefault,
	}
	if t, ok := synonyms[normalized]; ok {
		return t, true
	}
	return TemplateDefault, false
}

// InferTemplate guesses the template from OCR text of the cover page.
func InferTemplate(text string) FormTemplate {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "provider fax form"):
		return TemplateProviderFax
	case strings.Contains(lower, "over-the-counter"),
		strings.Contains(lower, "over the counter"),
		strings.Contains(lower, "otc fax form"),
		containsWord(lower, "otc"):
		return TemplateOTCFax
	default:
		return TemplateDefault
	}
}

func containsWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}
