package schema

import (
	"strings"
	"time"
)

// fieldValue resolves a field by exact name first, then by a
// case-insensitive scan so PascalCase legacy rows keep decoding.
func fieldValue(fields map[string]any, name string) (any, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	if v, ok := fields[name]; ok {
		return v, true
	}
	for key, v := range fields {
		if strings.EqualFold(key, name) {
			return v, true
		}
	}
	return nil, false
}

func numberField(fields map[string]any, name string) float64 {
	v, ok := fieldValue(fields, name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func stringField(fields map[string]any, name string) string {
	v, ok := fieldValue(fields, name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func objectField(fields map[string]any, name string) map[string]any {
	v, ok := fieldValue(fields, name)
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}

func timeField(fields map[string]any, name string, fallback time.Time) time.Time {
	raw := stringField(fields, name)
	if raw == "" {
		return fallback
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339, raw); err != nil {
			return fallback
		}
	}
	return parsed
}
