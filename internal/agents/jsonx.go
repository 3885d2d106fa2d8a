package agents

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSON = errors.New("no_json_found")

// parseJSONLoose recovers a JSON value from model output that may wrap it in
// code fences or surrounding prose: strip fences, try a direct parse, then
// scan for the first { or [ and shrink from the end until a parse succeeds.
func parseJSONLoose(text string) (any, error) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		if i := strings.IndexByte(t, '\n'); i >= 0 {
			t = t[i+1:]
		}
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
		t = strings.TrimSpace(t)
	}

	var v any
	if err := json.Unmarshal([]byte(t), &v); err == nil {
		return v, nil
	}

	start := strings.IndexAny(t, "{[")
	if start < 0 {
		return nil, errNoJSON
	}
	for end := len(t); end > start; end-- {
		c := t[end-1]
		if c != '}' && c != ']' {
			continue
		}
		if err := json.Unmarshal([]byte(t[start:end]), &v); err == nil {
			return v, nil
		}
	}
	return nil, errNoJSON
}

// parseJSONObject is parseJSONLoose restricted to object results.
func parseJSONObject(text string) (map[string]any, error) {
	v, err := parseJSONLoose(text)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNoJSON
	}
	return obj, nil
}

// decodeInto round-trips a loosely parsed value into a typed struct.
func decodeInto(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func jsonDump(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
