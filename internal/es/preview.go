package es

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Preview limits applied to payloads in event listings.
const (
	PreviewMaxFields    = 3
	PreviewMaxStringLen = 30
)

// PreviewField is one rendered entry of a payload preview.
type PreviewField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PayloadPreview is a bounded summary of a payload for listings.
type PayloadPreview struct {
	Fields    []PreviewField `json:"fields"`
	Truncated bool           `json:"truncated"`
}

// BuildPreview summarizes a stored payload: the first PreviewMaxFields keys in
// canonical order, strings capped at PreviewMaxStringLen runes, nested
// objects and arrays replaced by a size marker. Invalid payloads produce a
// single "_raw" field instead of an error since previews are display-only.
func BuildPreview(payload json.RawMessage) PayloadPreview {
	obj, err := DecodeObject(payload)
	if err != nil {
		return PayloadPreview{
			Fields:    []PreviewField{{Key: "_raw", Value: truncate(string(payload), PreviewMaxStringLen)}},
			Truncated: utf8.RuneCountInString(string(payload)) > PreviewMaxStringLen,
		}
	}

	keys := SortedKeys(obj)
	preview := PayloadPreview{Fields: make([]PreviewField, 0, min(len(keys), PreviewMaxFields))}
	if len(keys) > PreviewMaxFields {
		keys = keys[:PreviewMaxFields]
		preview.Truncated = true
	}
	for _, k := range keys {
		value, cut := previewValue(obj[k])
		preview.Truncated = preview.Truncated || cut
		preview.Fields = append(preview.Fields, PreviewField{Key: k, Value: value})
	}
	return preview
}

func previewValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "null", false
	case string:
		return truncate(val, PreviewMaxStringLen), utf8.RuneCountInString(val) > PreviewMaxStringLen
	case json.Number:
		return val.String(), false
	case bool:
		if val {
			return "true", false
		}
		return "false", false
	case []any:
		return fmt.Sprintf("[%d items]", len(val)), len(val) > 0
	case map[string]any:
		return fmt.Sprintf("{%d keys}", len(val)), len(val) > 0
	default:
		return fmt.Sprintf("%v", val), false
	}
}

// truncate caps s at n characters, the ellipsis included.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-len(ellipsis)]) + ellipsis
}

const ellipsis = "..."
