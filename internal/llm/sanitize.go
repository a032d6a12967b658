package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/faxrelay/constants"
)

// NormalizeAndSanitizeJSON repairs common deviations in model output so it can pass the schema:
//   - renames form_type synonyms ("template", "form") and canonicalizes the value
//   - accepts flat fields ({"name": "value"}) as entries without confidence
//   - coerces numeric values to strings and string confidences to numbers
//   - snake_cases field names and drops null/empty entries and unknown top-level keys
//
// It returns the repaired document and the list of changes made.
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	changes := make([]string, 0, 8)
	for _, from := range []string{"template", "form", "form_template"} {
		if v, ok := m[from]; ok {
			if _, exists := m["form_type"]; !exists {
				m["form_type"] = v
			}
			delete(m, from)
			changes = append(changes, from+"->form_type")
		}
	}
	if v, ok := m["form_type"]; ok {
		s, _ := v.(string)
		if t, known := constants.CanonicalizeTemplate(s); known {
			m["form_type"] = string(t)
		} else {
			delete(m, "form_type")
			changes = append(changes, "form_type(unknown)")
		}
	}

	fields, _ := m["fields"].(map[string]any)
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		key := snakeCase(name)
		if key == "" {
			changes = append(changes, "fields."+name+"(bad name)")
			continue
		}
		if key != name {
			changes = append(changes, "fields."+name+"->"+key)
		}
		entry, ok := sanitizeEntry(v)
		if !ok {
			changes = append(changes, "fields."+key+"(dropped)")
			continue
		}
		out[key] = entry
	}
	m["fields"] = out

	for k := range m {
		if k != "form_type" && k != "fields" {
			delete(m, k)
			changes = append(changes, k+"(unknown)")
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	slices.Sort(changes)
	if len(changes) > 0 {
		logger.Debug("llm.sanitize.changed", "changes", changes)
	}
	return b, changes, nil
}

func sanitizeEntry(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string, float64, bool:
		s := scalarString(t)
		if s == "" {
			return nil, false
		}
		return map[string]any{"value": s}, true
	case map[string]any:
		s := scalarString(t["value"])
		if s == "" {
			return nil, false
		}
		entry := map[string]any{"value": s}
		if c, ok := confidenceNumber(t["confidence"]); ok {
			entry["confidence"] = c
		}
		return entry, true
	default:
		return nil, false
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
			return ""
		}
		return s
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// confidenceNumber accepts numbers and numeric strings. Percentages ("92%") are scaled to [0,1].
func confidenceNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		pct := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, false
		}
		if pct {
			f /= 100
		}
		return f, true
	default:
		return 0, false
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	prevWord := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'A' && r <= 'Z':
			if prevWord {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevWord = false
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevWord = true
		default:
			b.WriteByte('_')
			prevWord = false
		}
	}
	out := strings.Trim(collapseUnderscores(b.String()), "_")
	if out == "" || out[0] >= '0' && out[0] <= '9' {
		return ""
	}
	return out
}

func collapseUnderscores(s string) string {
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}
