// Package typeutil provides safe type-assertion helpers for the
// free-form maps that flow through an Invocation Context (ctx.meta,
// ctx.obligations) and registry/bootstrap payloads decoded from JSON,
// where values arrive as `any` and a blind type assertion would panic.
package typeutil

// SafeMapStringAny safely asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString safely asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault asserts value to string, falling back to defaultVal.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt safely asserts value to int, also accepting the numeric types
// JSON unmarshaling into `any` commonly produces (float64, int64, int32).
func SafeInt(value any) (int, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// SafeIntDefault asserts value to int, falling back to defaultVal.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeBool safely asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeStringSlice safely asserts value to []string, also accepting
// []any containing only strings (the shape json.Unmarshal produces for
// a JSON array decoded into `any`).
func SafeStringSlice(value any) ([]string, bool) {
	if value == nil {
		return nil, false
	}
	if s, ok := value.([]string); ok {
		return s, true
	}
	if anySlice, ok := value.([]any); ok {
		result := make([]string, 0, len(anySlice))
		for _, item := range anySlice {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

// GetNestedString walks data along a dot-separated path (e.g.
// "routing.region") and returns the value at that path as a string.
func GetNestedString(data map[string]any, path string) (string, bool) {
	v, ok := getNestedValue(data, path)
	if !ok {
		return "", false
	}
	return SafeString(v)
}

func getNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	current := any(data)
	for _, key := range splitPath(path) {
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	result := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				result = append(result, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		result = append(result, path[start:])
	}
	return result
}
