package registry

import (
	"fmt"
	"time"
)

// Get returns the upstream input named key, falling back to the node data
// entry of the same name.
func (in Input) Get(key string) (any, bool) {
	if v, ok := in.Inputs[key]; ok && v != nil {
		return v, true
	}
	v, ok := in.Data[key]
	return v, ok && v != nil
}

// Text returns Get(key) formatted as a string. Missing values give "".
func (in Input) Text(key string) string {
	v, ok := in.Get(key)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Duration reads key as a duration string such as "5s" or as a number of
// seconds. Missing values give def.
func (in Input) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := in.Get(key)
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	default:
		return 0, fmt.Errorf("%s: expected a duration, got %T", key, v)
	}
}
