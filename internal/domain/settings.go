package domain

import "encoding/json"

// Settings is the project settings document. It is schemaless on purpose:
// agents fill and read nested sections ("story", "writing", "kb", "tools")
// and unknown keys pass through untouched.
type Settings map[string]any

// Clone returns a deep copy via a JSON round trip. Runs snapshot settings
// once at start so concurrent edits never affect an in-flight pipeline.
func (s Settings) Clone() Settings {
	if s == nil {
		return Settings{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return Settings{}
	}
	var out Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		return Settings{}
	}
	return out
}

// Section returns the named sub-object, or an empty map when absent or not
// an object.
func (s Settings) Section(key string) map[string]any {
	if v, ok := s[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// String returns the string at section.key, or "".
func (s Settings) String(section, key string) string {
	v, _ := s.Section(section)[key].(string)
	return v
}

// Int returns the integer at section.key, or def. JSON numbers decode as
// float64, so both forms are accepted.
func (s Settings) Int(section, key string, def int) int {
	switch v := s.Section(section)[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// KBMode returns the configured knowledge-base mode, defaulting to weak.
func (s Settings) KBMode() KBMode {
	if mode, _ := s.Section("kb")["mode"].(string); mode == string(KBModeStrong) {
		return KBModeStrong
	}
	return KBModeWeak
}

// WebSearchEnabled reports whether the web-search tool is enabled for the
// project. Enabled by default.
func (s Settings) WebSearchEnabled() bool {
	tools, ok := s.Section("tools")["web_search"].(map[string]any)
	if !ok {
		return true
	}
	if enabled, ok := tools["enabled"].(bool); ok {
		return enabled
	}
	return true
}

// DeepMerge recursively merges patch into base. Objects merge key by key;
// any other value in patch replaces the base value.
func DeepMerge(base, patch any) any {
	baseMap, baseOK := base.(map[string]any)
	patchMap, patchOK := patch.(map[string]any)
	if !baseOK || !patchOK {
		return patch
	}
	out := make(map[string]any, len(baseMap)+len(patchMap))
	for k, v := range baseMap {
		out[k] = v
	}
	for k, v := range patchMap {
		out[k] = DeepMerge(out[k], v)
	}
	return out
}

// Merge returns a new Settings with patch deep-merged on top of s.
func (s Settings) Merge(patch map[string]any) Settings {
	merged, ok := DeepMerge(map[string]any(s.Clone()), patch).(map[string]any)
	if !ok {
		return s.Clone()
	}
	return Settings(merged)
}
