package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// envelopeKeys are object fields that may wrap the list, in lookup order.
var envelopeKeys = []string{
	"selected_parts",
	"modified_recipe",
	"selection",
	"revision",
	"parts",
	"replacements",
	"items",
}

// ParseList decodes model output into an ordered list of trimmed strings.
// It accepts a bare JSON array, an array inside a code fence or surrounded
// by prose, and an object that wraps the array in one field. Anything else
// is ErrMalformedOutput.
func ParseList(text string) ([]string, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}

	if strings.HasPrefix(body, "{") {
		if items, err := parseEnvelope(body); err == nil {
			return items, nil
		} else if !strings.Contains(body, "[") {
			return nil, err
		}
	}

	start := strings.Index(body, "[")
	end := strings.LastIndex(body, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: expected a JSON array of strings", ErrMalformedOutput)
	}
	return parseArray(body[start : end+1])
}

func parseArray(raw string) ([]string, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON array: %v", ErrMalformedOutput, err)
	}
	items := make([]string, len(elems))
	for i, elem := range elems {
		var s string
		if err := json.Unmarshal(elem, &s); err != nil {
			return nil, fmt.Errorf("%w: item %d is not a string", ErrMalformedOutput, i)
		}
		items[i] = strings.TrimSpace(s)
	}
	return items, nil
}

func parseEnvelope(raw string) ([]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON object: %v", ErrMalformedOutput, err)
	}
	for _, key := range envelopeKeys {
		if v, ok := fields[key]; ok {
			return parseArray(string(v))
		}
	}
	if len(fields) == 1 {
		for _, v := range fields {
			return parseArray(string(v))
		}
	}
	return nil, fmt.Errorf("%w: object has no list field", ErrMalformedOutput)
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// nonEmpty drops empty strings, keeping order.
func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
