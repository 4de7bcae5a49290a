package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// GetFloatParam retrieves a float parameter with a default value.
func GetFloatParam(params Params, key string, defaultValue float64) float64 {
	if params == nil {
		return defaultValue
	}
	if val, ok := params[key]; ok {
		if f, ok := toFloat(val); ok {
			return f
		}
	}
	return defaultValue
}

// GetIntParam retrieves an int parameter with a default value.
func GetIntParam(params Params, key string, defaultValue int) int {
	if params == nil {
		return defaultValue
	}
	if val, ok := params[key]; ok {
		if intVal, ok := val.(int); ok {
			return intVal
		}
		if f, ok := toFloat(val); ok {
			return int(f)
		}
	}
	return defaultValue
}

// GetBoolParam retrieves a bool parameter with a default value.
func GetBoolParam(params Params, key string, defaultValue bool) bool {
	if params == nil {
		return defaultValue
	}
	if val, ok := params[key]; ok {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

// GetStringParam retrieves a string parameter with a default value.
func GetStringParam(params Params, key string, defaultValue string) string {
	if params == nil {
		return defaultValue
	}
	if val, ok := params[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}

// GetStringSliceParam retrieves a list of strings. A single string is
// accepted as a one-element list.
func GetStringSliceParam(params Params, key string) []string {
	if params == nil {
		return nil
	}
	switch val := params[key].(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetFloatMapParam retrieves a name→number mapping, such as column weights.
func GetFloatMapParam(params Params, key string) (map[string]float64, error) {
	if params == nil {
		return nil, nil
	}
	raw, ok := params[key]
	if !ok {
		return nil, nil
	}
	out := make(map[string]float64)
	switch val := raw.(type) {
	case map[string]float64:
		for k, v := range val {
			out[k] = v
		}
	case map[string]interface{}:
		for k, v := range val {
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s must be a number", ErrInvalidParam, key, k)
			}
			out[k] = f
		}
	default:
		return nil, fmt.Errorf("%w: %s must be a mapping", ErrInvalidParam, key)
	}
	return out, nil
}

// GetSpecListParam retrieves a list of nested rule specs.
func GetSpecListParam(params Params, key string) ([]Spec, error) {
	if params == nil {
		return nil, nil
	}
	raw, ok := params[key]
	if !ok {
		return nil, nil
	}
	switch val := raw.(type) {
	case []Spec:
		return val, nil
	case []interface{}:
		out := make([]Spec, 0, len(val))
		for i, item := range val {
			spec, err := SpecFromValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			out = append(out, spec)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of rule specs", ErrInvalidParam, key)
}

// RequireFloat retrieves a float parameter that must be present.
func RequireFloat(params Params, key string) (float64, error) {
	val, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	f, ok := toFloat(val)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParam, key)
	}
	return f, nil
}

// RequireInt retrieves an int parameter that must be present.
func RequireInt(params Params, key string) (int, error) {
	f, err := RequireFloat(params, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// RequireString retrieves a non-empty string parameter.
func RequireString(params Params, key string) (string, error) {
	val, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidParam, key)
	}
	return s, nil
}

// RequireSpec retrieves a nested rule spec that must be present.
func RequireSpec(params Params, key string) (Spec, error) {
	val, ok := params[key]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	spec, err := SpecFromValue(val)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", key, err)
	}
	return spec, nil
}

// OneOf validates that value is one of the allowed choices.
func OneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidParam, key, allowed, value)
}

// Positive validates that value is > 0.
func Positive(key string, value float64) error {
	if value <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParam, key, value)
	}
	return nil
}

// InRange validates lo <= value <= hi.
func InRange(key string, value, lo, hi float64) error {
	if value < lo || value > hi {
		return fmt.Errorf("%w: %s must be within [%v, %v], got %v", ErrInvalidParam, key, lo, hi, value)
	}
	return nil
}

// DecodeParam decodes a nested parameter into out, which must be a pointer to
// a struct with yaml tags. It reports whether the key was present.
func DecodeParam(params Params, key string, out interface{}) (bool, error) {
	val, ok := params[key]
	if !ok || val == nil {
		return false, nil
	}
	raw, err := yaml.Marshal(val)
	if err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrInvalidParam, key, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrInvalidParam, key, err)
	}
	return true, nil
}
